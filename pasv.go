package ftp

import (
	"regexp"
	"strconv"
)

// Servers phrase the 227 reply differently. These are tried in order and
// the first match wins:
//
//	Entering Passive Mode (h1,h2,h3,h4,p1,p2)
//	Entering Passive Mode (h1,h2,h3,h4,p1,p2
//	Entering Passive Mode. h1,h2,h3,h4,p1,p2
//	=h1,h2,h3,h4,p1,p2
//
// The third pattern skips any leading non-digits, "=" included, so the
// last one only documents that phrasing and never matches first.
var pasvPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\D*\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`),
	regexp.MustCompile(`^\D*\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`),
	regexp.MustCompile(`^\D*(\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`),
	regexp.MustCompile(`^=(\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`),
}

// ParsePASV extracts the data connection address from the message of a
// 227 reply.
// Example: "Entering Passive Mode (192,168,1,1,195,149)"
// Returns: 192.168.1.1 and 50069 (195*256 + 149)
func ParsePASV(message string) (IPv4Address, IPPort, error) {
	for _, re := range pasvPatterns {
		m := re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		var b [6]byte
		valid := true
		for i := range 6 {
			v, err := strconv.ParseUint(m[i+1], 10, 8)
			if err != nil {
				valid = false
				break
			}
			b[i] = byte(v)
		}
		if !valid {
			// A matching pattern with out-of-range octets does not fall
			// through to the looser ones.
			break
		}
		return IPv4AddressFromBytes(b[:4]), NewIPPort(b[4], b[5]), nil
	}
	return IPv4Address{}, 0, errorf(KindParseResponseFailed, "parse PASV", "could not parse PASV reply %q", message)
}
