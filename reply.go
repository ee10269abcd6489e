package ftp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxReplySize bounds the bytes buffered while a reply is incomplete. A
// peer that never finishes a line cannot grow the buffer past it.
const MaxReplySize = 64 * 1024

// Reply is one logical FTP reply, possibly assembled from several lines.
type Reply struct {
	// Code is the three-digit reply code (e.g., 220, 550)
	Code int

	// Message is the text of all lines, without codes, joined by "\n"
	Message string

	// Lines contains the raw lines of the reply without line terminators
	Lines []string
}

// Is1xx returns true if the reply code is in the 1xx range (preliminary).
func (r *Reply) Is1xx() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is2xx returns true if the reply code is in the 2xx range (success).
func (r *Reply) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true if the reply code is in the 3xx range (intermediate).
func (r *Reply) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// Is4xx returns true if the reply code is in the 4xx range (temporary failure).
func (r *Reply) Is4xx() bool {
	return r.Code >= 400 && r.Code < 500
}

// Is5xx returns true if the reply code is in the 5xx range (permanent failure).
func (r *Reply) Is5xx() bool {
	return r.Code >= 500 && r.Code < 600
}

// String returns the full reply as received.
func (r *Reply) String() string {
	return strings.Join(r.Lines, "\n")
}

// ParseResult is the outcome of feeding a receive buffer to ParseReply.
type ParseResult struct {
	Reply

	// Complete is set once the final line of a reply has been seen.
	Complete bool

	// Preliminary is set instead of Complete when the reply is a 1xx reply
	// to a simple-extended command. More replies follow it.
	Preliminary bool

	// Rest holds the bytes after the reply, or the whole input when no
	// reply could be assembled yet.
	Rest []byte
}

// ParseReply parses the first reply in data, which holds everything
// received since the previous reply. It keeps no state between calls, so
// the same bytes give the same result however they were split across
// reads.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"220-Welcome to FTP\r\n"
//	"220-This is line 2\r\n"
//	"220 Ready\r\n"
//
// The reply is final when a line starts with the code followed by a space.
// Lines inside a multi-line reply that do not carry the code are message
// text. For GroupSimpleExtended commands a 1xx reply is reported as
// Preliminary rather than Complete.
func ParseReply(data []byte, group CommandGroup) (ParseResult, error) {
	var (
		res     = ParseResult{Rest: data}
		codeStr string
		msg     []string
		pos     int
	)

	for {
		i := bytes.IndexByte(data[pos:], '\n')
		if i < 0 {
			// incomplete trailing line, wait for more
			return res, nil
		}
		raw := data[pos : pos+i]
		next := pos + i + 1
		raw = bytes.TrimSuffix(raw, []byte{'\r'})
		if !utf8.Valid(raw) {
			return ParseResult{Rest: data}, errorf(KindParseResponseFailed, "parse reply", "invalid UTF-8 in line %q", raw)
		}
		line := string(raw)

		if codeStr == "" {
			if len(line) < 4 && !isCode(line) {
				// Too short to carry a code; keep it for the next receive.
				return res, nil
			}
			if !isCode(line[:3]) {
				return ParseResult{Rest: data}, errorf(KindParseResponseFailed, "parse reply", "invalid reply line %q", line)
			}
			code, _ := strconv.Atoi(line[:3])
			codeStr = line[:3]
			res.Code = code
			res.Lines = append(res.Lines, line)
			msg = append(msg, messageText(line))
			if len(line) > 3 && line[3] == '-' {
				pos = next
				continue
			}
			return finish(res, msg, data[next:], group), nil
		}

		res.Lines = append(res.Lines, line)
		if line == codeStr || strings.HasPrefix(line, codeStr+" ") {
			msg = append(msg, messageText(line))
			return finish(res, msg, data[next:], group), nil
		}
		if strings.HasPrefix(line, codeStr+"-") {
			msg = append(msg, line[4:])
		} else {
			msg = append(msg, line)
		}
		pos = next
	}
}

func finish(res ParseResult, msg []string, rest []byte, group CommandGroup) ParseResult {
	res.Message = strings.Join(msg, "\n")
	res.Rest = rest
	if ClassifyReply(res.Code, group) == ClassPreliminary {
		res.Preliminary = true
	} else {
		res.Complete = true
	}
	return res
}

func isCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := range 3 {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s[0] != '0'
}

func messageText(line string) string {
	if len(line) <= 4 {
		return ""
	}
	return line[4:]
}

func (r ParseResult) String() string {
	switch {
	case r.Complete:
		return fmt.Sprintf("complete %d %q", r.Code, r.Message)
	case r.Preliminary:
		return fmt.Sprintf("preliminary %d %q", r.Code, r.Message)
	}
	return fmt.Sprintf("incomplete (%d bytes pending)", len(r.Rest))
}
