package ftp

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
)

// The IANA dynamic/private port range. Active-mode listener ports are
// handed out from it.
const (
	PortRangeLow  IPPort = 49152
	PortRangeHigh IPPort = 65535

	portRangeSpan = int(PortRangeHigh) - int(PortRangeLow) + 1
)

// IPv4Address is a fixed 4-octet IPv4 address. The zero value is the
// unspecified address 0.0.0.0.
type IPv4Address [4]byte

// NewIPv4Address returns the address h1.h2.h3.h4.
func NewIPv4Address(h1, h2, h3, h4 byte) IPv4Address {
	return IPv4Address{h1, h2, h3, h4}
}

// IPv4AddressFromBytes returns the address held in the first four bytes of b.
// It panics if b is shorter than four bytes.
func IPv4AddressFromBytes(b []byte) IPv4Address {
	return IPv4Address{b[0], b[1], b[2], b[3]}
}

// ParseIPv4Address parses a dotted-quad string such as "192.168.1.5".
func ParseIPv4Address(s string) (IPv4Address, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return IPv4Address{}, fmt.Errorf("invalid IPv4 address %q: %w", s, err)
	}
	a = a.Unmap()
	if !a.Is4() {
		return IPv4Address{}, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return IPv4Address(a.As4()), nil
}

// UnspecifiedAddress returns 0.0.0.0.
func UnspecifiedAddress() IPv4Address {
	return IPv4Address{}
}

// LocalhostAddress returns 127.0.0.1.
func LocalhostAddress() IPv4Address {
	return IPv4Address{127, 0, 0, 1}
}

// IsUnspecified reports whether a is 0.0.0.0.
func (a IPv4Address) IsUnspecified() bool {
	return a == IPv4Address{}
}

// IsLocalhost reports whether a is 127.0.0.1.
func (a IPv4Address) IsLocalhost() bool {
	return a == LocalhostAddress()
}

// String returns the dotted form, e.g. "10.0.0.1".
func (a IPv4Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// CommaString returns the comma form used by PORT, e.g. "10,0,0,1".
func (a IPv4Address) CommaString() string {
	return fmt.Sprintf("%d,%d,%d,%d", a[0], a[1], a[2], a[3])
}

// NetIP returns a as a net.IP.
func (a IPv4Address) NetIP() net.IP {
	return net.IPv4(a[0], a[1], a[2], a[3])
}

// IPPort is a TCP port number.
type IPPort uint16

// NewIPPort combines the high and low bytes of a port, as carried by
// PORT commands and PASV replies.
func NewIPPort(p1, p2 byte) IPPort {
	return IPPort(uint16(p1)<<8 | uint16(p2))
}

// Hi returns the high byte of the port.
func (p IPPort) Hi() byte { return byte(p >> 8) }

// Lo returns the low byte of the port.
func (p IPPort) Lo() byte { return byte(p) }

// IsUnspecified reports whether p is 0.
func (p IPPort) IsUnspecified() bool { return p == 0 }

// String returns the decimal port number.
func (p IPPort) String() string {
	return strconv.Itoa(int(p))
}

// CommaString returns the "p1,p2" form used by PORT.
func (p IPPort) CommaString() string {
	return fmt.Sprintf("%d,%d", p.Hi(), p.Lo())
}

// Incremented returns p+by, wrapped into [PortRangeLow, PortRangeHigh].
func (p IPPort) Incremented(by uint16) IPPort {
	return wrapPort(int(p) + int(by))
}

// Decremented returns p-by, wrapped into [PortRangeLow, PortRangeHigh].
func (p IPPort) Decremented(by uint16) IPPort {
	return wrapPort(int(p) - int(by))
}

func wrapPort(v int) IPPort {
	off := (v - int(PortRangeLow)) % portRangeSpan
	if off < 0 {
		off += portRangeSpan
	}
	return PortRangeLow + IPPort(off)
}

// FormatHostPort returns the "h1,h2,h3,h4,p1,p2" sextet sent with PORT.
func FormatHostPort(a IPv4Address, p IPPort) string {
	return a.CommaString() + "," + p.CommaString()
}

// ParseHostPort decodes a "h1,h2,h3,h4,p1,p2" sextet.
func ParseHostPort(s string) (IPv4Address, IPPort, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 6 {
		return IPv4Address{}, 0, newError(KindParseResponseFailed, "parse sextet",
			fmt.Errorf("expected 6 comma-separated values, got %q", s))
	}
	var b [6]byte
	for i, part := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
		if err != nil {
			return IPv4Address{}, 0, newError(KindParseResponseFailed, "parse sextet",
				fmt.Errorf("invalid value %q in %q", part, s))
		}
		b[i] = byte(v)
	}
	return IPv4AddressFromBytes(b[:4]), NewIPPort(b[4], b[5]), nil
}

// endpointFromAddr extracts the IPv4 address and port of a TCP address.
func endpointFromAddr(addr net.Addr) (IPv4Address, IPPort, bool) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp == nil {
		return IPv4Address{}, 0, false
	}
	ip4 := tcp.IP.To4()
	if ip4 == nil {
		return IPv4Address{}, 0, false
	}
	return IPv4AddressFromBytes(ip4), IPPort(tcp.Port), true
}

type endpoint struct {
	addr IPv4Address
	port IPPort
	ok   bool
}

func addrEndpoints(conn net.Conn) (local, remote endpoint) {
	local.addr, local.port, local.ok = endpointFromAddr(conn.LocalAddr())
	remote.addr, remote.port, remote.ok = endpointFromAddr(conn.RemoteAddr())
	return local, remote
}

func joinHostPort(a IPv4Address, p IPPort) string {
	return net.JoinHostPort(a.String(), p.String())
}

// portAllocator hands out listener ports from the dynamic range. Each
// call to next returns a different port until the range wraps.
type portAllocator struct {
	mu   sync.Mutex
	port IPPort
}

func newPortAllocator() *portAllocator {
	return &portAllocator{port: PortRangeLow}
}

// reset makes p the next port handed out, clamped into the dynamic range.
func (a *portAllocator) reset(p IPPort) {
	if p < PortRangeLow {
		p = PortRangeLow
	}
	a.mu.Lock()
	a.port = p
	a.mu.Unlock()
}

func (a *portAllocator) next() IPPort {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.port
	a.port = a.port.Incremented(1)
	return p
}
