package auth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/cloudwebrtc/go-sip-intercom/pkg/account"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

var ErrInvalidChallenge = errors.New("invalid digest challenge")

// Challenge is the part of a WWW-Authenticate value the registrar handshake
// needs. qop and opaque are not supported.
type Challenge struct {
	Realm string
	Nonce string
}

// ParseChallenge parses a WWW-Authenticate header value. Both realm and nonce
// must be present.
func ParseChallenge(value string) (*Challenge, error) {
	chal, err := digest.ParseChallenge(value)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidChallenge, "%q: %v", value, err)
	}
	if chal.Realm == "" || chal.Nonce == "" {
		return nil, errors.Wrapf(ErrInvalidChallenge, "%q: realm or nonce missing", value)
	}
	return &Challenge{Realm: chal.Realm, Nonce: chal.Nonce}, nil
}

// Authorization is a computed REGISTER digest credential. Only MD5 without
// qop is produced, since that is what the registrar dictates.
type Authorization struct {
	realm    string
	nonce    string
	username string
	uri      string
	response string
}

// NewAuthorization computes the digest response for a REGISTER to
// registrarHost answering a challenge for realm/nonce.
func NewAuthorization(creds *account.Credentials, realm, nonce, registrarHost string) *Authorization {
	uri := "sip:" + registrarHost
	return &Authorization{
		realm:    realm,
		nonce:    nonce,
		username: creds.Login,
		uri:      uri,
		response: calcResponse(creds.Login, realm, creds.Password, "REGISTER", uri, nonce),
	}
}

func (auth *Authorization) Response() string {
	return auth.response
}

func (auth *Authorization) String() string {
	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", algorithm=MD5`,
		auth.username,
		auth.realm,
		auth.nonce,
		auth.uri,
		auth.response,
	)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// calculates Authorization response https://www.ietf.org/rfc/rfc2617.txt
func calcResponse(username string, realm string, password string, method string, uri string, nonce string) string {
	ha1 := md5hex(username + ":" + realm + ":" + password)
	ha2 := md5hex(method + ":" + uri)
	return md5hex(ha1 + ":" + nonce + ":" + ha2)
}
