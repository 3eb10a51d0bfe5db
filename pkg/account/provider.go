package account

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/pkg/errors"
)

const (
	sipdevicesSuffix     = "/sipdevices"
	videosnapshotsSuffix = "/videosnapshots"
	defaultHTTPTimeout   = 15 * time.Second
)

var (
	ErrBadStatus          = errors.New("unexpected HTTP status")
	ErrNoCredentials      = errors.New("credentials not received")
	ErrNoSipdevices       = errors.New("sipdevices endpoint not found")
	sipdevicesPathPattern = regexp.MustCompile(`/sipdevices/?$`)
	snapshotImgPattern    = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+videosnapshots)["']`)
)

// CredentialProvider issues SIP credentials for a device. It must be safe to
// call again after the registrar rejects the previous credentials.
type CredentialProvider interface {
	FetchCredentials(ctx context.Context, deviceID string) (*Credentials, error)
}

// HTTPProvider fetches credentials from the account service. The account URL
// may point at the sipdevices endpoint directly or at a page embedding a
// videosnapshots image, from which the endpoint is derived.
type HTTPProvider struct {
	accountURL    string
	sipdevicesURL string
	userAgent     string
	client        *http.Client
	log           log.Logger
}

func NewHTTPProvider(accountURL, userAgent string, logger log.Logger) *HTTPProvider {
	return &HTTPProvider{
		accountURL: accountURL,
		userAgent:  userAgent,
		client:     &http.Client{Timeout: defaultHTTPTimeout},
		log:        logger.WithPrefix("account.HTTPProvider"),
	}
}

// SipdevicesURL is empty until Discover succeeds.
func (p *HTTPProvider) SipdevicesURL() string {
	return p.sipdevicesURL
}

// Discover resolves the sipdevices endpoint.
func (p *HTTPProvider) Discover(ctx context.Context) error {
	if sipdevicesPathPattern.MatchString(p.accountURL) {
		p.sipdevicesURL = p.accountURL
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.accountURL, nil)
	if err != nil {
		return errors.Wrap(err, "build discovery request")
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", p.accountURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errors.Wrapf(ErrBadStatus, "GET %s: %d", p.accountURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read %s", p.accountURL)
	}

	m := snapshotImgPattern.FindSubmatch(body)
	if m == nil {
		return errors.Wrapf(ErrNoSipdevices, "no videosnapshots image in %s", p.accountURL)
	}
	p.sipdevicesURL = strings.TrimSuffix(string(m[1]), videosnapshotsSuffix) + sipdevicesSuffix
	p.log.Infof("sipdevices endpoint => %s", p.sipdevicesURL)
	return nil
}

type credentialsRequest struct {
	InstallationID string `json:"installationId"`
}

type credentialsResponse struct {
	Data *struct {
		Login    string `json:"login"`
		Password string `json:"password"`
		Realm    string `json:"realm"`
	} `json:"data"`
}

// FetchCredentials posts the device id and returns a fresh credential set.
func (p *HTTPProvider) FetchCredentials(ctx context.Context, deviceID string) (*Credentials, error) {
	if p.sipdevicesURL == "" {
		if err := p.Discover(ctx); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(&credentialsRequest{InstallationID: deviceID})
	if err != nil {
		return nil, errors.Wrap(err, "encode credentials request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sipdevicesURL, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build credentials request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "POST %s", p.sipdevicesURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, errors.Wrapf(ErrBadStatus, "POST %s: %d", p.sipdevicesURL, resp.StatusCode)
	}

	var out credentialsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "decode %s response", p.sipdevicesURL)
	}
	if out.Data == nil || out.Data.Login == "" || out.Data.Password == "" || out.Data.Realm == "" {
		return nil, errors.Wrapf(ErrNoCredentials, "from %s", p.sipdevicesURL)
	}

	creds := &Credentials{
		Login:    out.Data.Login,
		Password: out.Data.Password,
		Realm:    out.Data.Realm,
	}
	p.log.Infof("credentials received => %v", creds)
	return creds, nil
}
