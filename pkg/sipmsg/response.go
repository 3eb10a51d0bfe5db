package sipmsg

import (
	"fmt"
	"strings"

	"github.com/ghettovoice/gosip/sip"
)

// BuildResponse renders a body-less response echoing the dialog lines of the
// request. toTag is added to the To line when the request had none.
func BuildResponse(code sip.StatusCode, reason string, d *DialogHeaders, toTag string, extra ...Header) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s\r\n", sipVersion, code, reason)
	b.WriteString(d.Via + "\r\n")
	b.WriteString(d.From + "\r\n")
	b.WriteString(d.ToWithTag(toTag) + "\r\n")
	b.WriteString(d.CallID + "\r\n")
	b.WriteString(d.CSeq + "\r\n")
	for _, h := range extra {
		b.WriteString(h.String() + "\r\n")
	}
	b.WriteString("Content-Length: 0\r\n\r\n")
	return []byte(b.String())
}

// AllowHeader lists the methods this endpoint accepts.
func AllowHeader(methods ...sip.RequestMethod) Header {
	names := make([]string, 0, len(methods))
	for _, m := range methods {
		names = append(names, string(m))
	}
	return Header{Name: "Allow", Value: strings.Join(names, ", ")}
}
