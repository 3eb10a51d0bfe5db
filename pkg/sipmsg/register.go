package sipmsg

import (
	"fmt"
	"strings"

	"github.com/cloudwebrtc/go-sip-intercom/pkg/account"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/pkg/errors"
)

// RegisterParams carries everything a REGISTER is built from.
type RegisterParams struct {
	Identity      *account.Identity
	Credentials   *account.Credentials
	CallID        string
	CSeq          uint32
	Expires       uint32
	Authorization string
	UserAgent     string
	Extra         []Header
}

// AdvertisedExpires is the expiry put on the wire. The first REGISTER of a
// cycle is an unauthenticated probe and always advertises 0.
func (p *RegisterParams) AdvertisedExpires() uint32 {
	if p.CSeq == 1 {
		return 0
	}
	return p.Expires
}

// BuildRegister renders a REGISTER request. Every call draws a fresh branch
// and From tag.
func BuildRegister(p *RegisterParams) []byte {
	realm := p.Credentials.Realm
	user := p.Credentials.Login
	hostport := p.Identity.HostPort()
	expires := p.AdvertisedExpires()

	var b strings.Builder
	fmt.Fprintf(&b, "%s sip:%s %s\r\n", sip.REGISTER, realm, sipVersion)
	fmt.Fprintf(&b, "Via: %s/UDP %s;branch=%s;rport\r\n", sipVersion, hostport, sip.GenerateBranch())
	b.WriteString("Max-Forwards: 70\r\n")
	fmt.Fprintf(&b, "From: <sip:%s@%s>;tag=%s\r\n", user, realm, NewTag())
	fmt.Fprintf(&b, "To: <sip:%s@%s>\r\n", user, realm)
	fmt.Fprintf(&b, "Call-ID: %s\r\n", p.CallID)
	fmt.Fprintf(&b, "CSeq: %d %s\r\n", p.CSeq, sip.REGISTER)
	fmt.Fprintf(&b, "Contact: <sip:%s@%s;ob>;reg-id=42;expires=%d\r\n", user, hostport, expires)
	b.WriteString("Supported: outbound\r\n")
	b.WriteString("Allow-Events: message-summary\r\n")
	fmt.Fprintf(&b, "Expires: %d\r\n", expires)
	for _, h := range p.Extra {
		b.WriteString(h.String() + "\r\n")
	}
	if p.UserAgent != "" {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", p.UserAgent)
	}
	if p.Authorization != "" {
		fmt.Fprintf(&b, "Authorization: %s\r\n", p.Authorization)
	}
	b.WriteString("Content-Length: 0\r\n\r\n")
	return []byte(b.String())
}

// RegisterResponse is what the registration state machine reads from a
// registrar response.
type RegisterResponse struct {
	StatusCode sip.StatusCode
	Reason     string
	CallID     string
	CSeq       uint32
	Method     sip.RequestMethod
	Expires    uint32
	Challenge  string
}

func (r *RegisterResponse) String() string {
	return fmt.Sprintf("%d %s (cseq=%d %s, expires=%d)", r.StatusCode, r.Reason, r.CSeq, r.Method, r.Expires)
}

// ParseRegisterResponse parses a registrar response.
func ParseRegisterResponse(data []byte, logger log.Logger) (*RegisterResponse, error) {
	msg, err := parser.ParseMessage(normalizeLineEndings(data), logger)
	if err != nil {
		return nil, errors.Wrap(err, "parse response")
	}
	res, ok := msg.(sip.Response)
	if !ok {
		return nil, errors.New("not a response")
	}

	out := &RegisterResponse{
		StatusCode: res.StatusCode(),
		Reason:     res.Reason(),
	}
	if callID, ok := res.CallID(); ok {
		out.CallID = string(*callID)
	}
	if cseq, ok := res.CSeq(); ok {
		out.CSeq = cseq.SeqNo
		out.Method = cseq.MethodName
	}
	if hdrs := res.GetHeaders("Expires"); len(hdrs) > 0 {
		if expires, ok := hdrs[0].(*sip.Expires); ok {
			out.Expires = uint32(*expires)
		}
	}
	if hdrs := res.GetHeaders("WWW-Authenticate"); len(hdrs) > 0 {
		if h, ok := hdrs[0].(*sip.GenericHeader); ok {
			out.Challenge = h.Contents
		}
	}
	return out, nil
}
