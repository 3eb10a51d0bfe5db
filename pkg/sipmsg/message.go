// Package sipmsg builds the handful of SIP messages the intercom user agent
// sends and pulls the few header lines it needs out of inbound text. It is
// deliberately not a general SIP parser.
package sipmsg

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/util"
)

const sipVersion = "SIP/2.0"

// Header is an extra header line appended verbatim.
type Header struct {
	Name  string
	Value string
}

func (h Header) String() string {
	return h.Name + ": " + h.Value
}

// NewTag returns a fresh From/To tag.
func NewTag() string {
	return util.RandString(8)
}

// StartLine is the classified first line of an inbound message.
type StartLine struct {
	IsResponse bool
	Method     sip.RequestMethod
	StatusCode sip.StatusCode
	Reason     string
}

// ParseStartLine classifies the first line as a status line or request line.
func ParseStartLine(msg []byte) (*StartLine, bool) {
	line := firstLine(msg)
	if strings.HasPrefix(line, sipVersion+" ") {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return nil, false
		}
		code, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return nil, false
		}
		sl := &StartLine{IsResponse: true, StatusCode: sip.StatusCode(code)}
		if len(parts) == 3 {
			sl.Reason = parts[2]
		}
		return sl, true
	}

	fields := strings.Fields(line)
	if len(fields) != 3 || fields[2] != sipVersion {
		return nil, false
	}
	return &StartLine{Method: sip.RequestMethod(strings.ToUpper(fields[0]))}, true
}

func firstLine(msg []byte) string {
	if i := bytes.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(string(msg))
}

// headerLines returns the header section, one entry per line, with line
// endings stripped. Folded continuation lines are not joined.
func headerLines(msg []byte) []string {
	lines := strings.Split(string(msg), "\n")
	if len(lines) <= 1 {
		return nil
	}
	out := make([]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		out = append(out, line)
	}
	return out
}

// lookupHeader returns the first line whose name matches long or its compact
// alias, case-insensitively.
func lookupHeader(lines []string, long, short string) (string, bool) {
	for _, line := range lines {
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		name := strings.TrimSpace(line[:i])
		if strings.EqualFold(name, long) || (short != "" && strings.EqualFold(name, short)) {
			return line, true
		}
	}
	return "", false
}

func headerValue(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}

// normalizeLineEndings rewrites bare LF line endings to CRLF.
func normalizeLineEndings(msg []byte) []byte {
	s := strings.ReplaceAll(string(msg), "\r\n", "\n")
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}
