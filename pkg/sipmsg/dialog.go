package sipmsg

import (
	"fmt"
	"strings"

	"github.com/ghettovoice/gosip/sip"
)

// DialogHeaders are the lines a UAS echoes into every response, copied
// verbatim including the header name.
type DialogHeaders struct {
	Via    string
	From   string
	To     string
	CallID string
	CSeq   string
}

var dialogHeaderNames = []struct {
	long, short string
	field       func(d *DialogHeaders) *string
}{
	{"Via", "v", func(d *DialogHeaders) *string { return &d.Via }},
	{"From", "f", func(d *DialogHeaders) *string { return &d.From }},
	{"To", "t", func(d *DialogHeaders) *string { return &d.To }},
	{"Call-ID", "i", func(d *DialogHeaders) *string { return &d.CallID }},
	{"CSeq", "", func(d *DialogHeaders) *string { return &d.CSeq }},
}

// ExtractDialogHeaders returns the dialog lines of a request, or false when
// any of them is missing.
func ExtractDialogHeaders(msg []byte) (*DialogHeaders, bool) {
	lines := headerLines(msg)
	d := &DialogHeaders{}
	for _, h := range dialogHeaderNames {
		line, ok := lookupHeader(lines, h.long, h.short)
		if !ok {
			return nil, false
		}
		*h.field(d) = line
	}
	return d, true
}

// CallIDValue is the Call-ID without the header name.
func (d *DialogHeaders) CallIDValue() string {
	return headerValue(d.CallID)
}

// CSeqMethod is the method part of the CSeq line.
func (d *DialogHeaders) CSeqMethod() sip.RequestMethod {
	fields := strings.Fields(headerValue(d.CSeq))
	if len(fields) != 2 {
		return ""
	}
	return sip.RequestMethod(strings.ToUpper(fields[1]))
}

// CSeqNumber is the sequence number part of the CSeq line.
func (d *DialogHeaders) CSeqNumber() string {
	fields := strings.Fields(headerValue(d.CSeq))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// ToWithTag appends ;tag=<tag> unless the To line already carries one.
func (d *DialogHeaders) ToWithTag(tag string) string {
	if strings.Contains(strings.ToLower(d.To), ";tag=") {
		return d.To
	}
	return d.To + ";tag=" + tag
}

func (d *DialogHeaders) String() string {
	return fmt.Sprintf("Dialog{call-id=%s, cseq=%s}", d.CallIDValue(), headerValue(d.CSeq))
}

// FromValue is the From line without the header name.
func (d *DialogHeaders) FromValue() string {
	return headerValue(d.From)
}

// ToValue is the To line without the header name.
func (d *DialogHeaders) ToValue() string {
	return headerValue(d.To)
}
