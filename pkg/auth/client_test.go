package auth

import (
	"testing"

	"github.com/cloudwebrtc/go-sip-intercom/pkg/account"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var creds = &account.Credentials{Login: "u1", Password: "p1", Realm: "sip.example.com"}

func TestParseChallenge(t *testing.T) {
	chal, err := ParseChallenge(`Digest realm="sip.example.com", nonce="abc123", algorithm=MD5`)
	require.NoError(t, err)
	assert.Equal(t, &Challenge{Realm: "sip.example.com", Nonce: "abc123"}, chal)
}

func TestParseChallengeInvalid(t *testing.T) {
	for _, value := range []string{
		`Digest realm="sip.example.com"`,
		`Digest nonce="abc123"`,
		`Basic realm="x"`,
		``,
	} {
		_, err := ParseChallenge(value)
		assert.True(t, errors.Is(err, ErrInvalidChallenge), value)
	}
}

func TestAuthorizationResponse(t *testing.T) {
	a := NewAuthorization(creds, "sip.example.com", "abc123", "sip.example.com")
	assert.Equal(t, "7cf2ec5b8e80a5bc3def1f29df8634bd", a.Response())
	assert.Equal(t,
		`Digest username="u1", realm="sip.example.com", nonce="abc123", uri="sip:sip.example.com", response="7cf2ec5b8e80a5bc3def1f29df8634bd", algorithm=MD5`,
		a.String())
}

func TestAuthorizationDeterministic(t *testing.T) {
	base := NewAuthorization(creds, "sip.example.com", "abc123", "sip.example.com").Response()
	assert.Equal(t, base, NewAuthorization(creds, "sip.example.com", "abc123", "sip.example.com").Response())

	variants := []string{
		NewAuthorization(&account.Credentials{Login: "u2", Password: "p1"}, "sip.example.com", "abc123", "sip.example.com").Response(),
		NewAuthorization(&account.Credentials{Login: "u1", Password: "p2"}, "sip.example.com", "abc123", "sip.example.com").Response(),
		NewAuthorization(creds, "other.example.com", "abc123", "sip.example.com").Response(),
		NewAuthorization(creds, "sip.example.com", "abc124", "sip.example.com").Response(),
		NewAuthorization(creds, "sip.example.com", "abc123", "other.example.com").Response(),
	}
	for i, v := range variants {
		assert.NotEqual(t, base, v, "variant %d", i)
	}
}

func TestAuthorizationMatchesReferenceDigest(t *testing.T) {
	chal, err := digest.ParseChallenge(`Digest realm="sip.example.com", nonce="n0nce"`)
	require.NoError(t, err)

	ref, err := digest.Digest(chal, digest.Options{
		Method:   "REGISTER",
		URI:      "sip:sip.example.com",
		Username: "u1",
		Password: "p1",
	})
	require.NoError(t, err)

	a := NewAuthorization(creds, "sip.example.com", "n0nce", "sip.example.com")
	assert.Equal(t, ref.Response, a.Response())
}
