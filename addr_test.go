package ftp

import (
	"errors"
	"net"
	"testing"
)

func TestIPPortWrap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		got  IPPort
		want IPPort
	}{
		{"increment past high", PortRangeHigh.Incremented(1), PortRangeLow},
		{"decrement below low", PortRangeLow.Decremented(1), PortRangeHigh},
		{"increment inside range", IPPort(50000).Incremented(10), 50010},
		{"full cycle", IPPort(50000).Incremented(uint16(portRangeSpan)), 50000},
		{"low port wrapped into range", IPPort(21).Incremented(1), 49174},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %d, want %d", tt.got, tt.want)
			}
			if tt.got < PortRangeLow {
				t.Errorf("%d outside the dynamic range", tt.got)
			}
		})
	}
}

func TestIPPortBytes(t *testing.T) {
	t.Parallel()
	p := NewIPPort(200, 13)
	if p != 51213 {
		t.Fatalf("NewIPPort(200, 13) = %d", p)
	}
	if p.Hi() != 200 || p.Lo() != 13 {
		t.Errorf("Hi/Lo = %d/%d", p.Hi(), p.Lo())
	}
	if p.CommaString() != "200,13" || p.String() != "51213" {
		t.Errorf("strings = %q %q", p.CommaString(), p.String())
	}
}

func TestIPv4Address(t *testing.T) {
	t.Parallel()
	a := NewIPv4Address(192, 168, 1, 5)
	if a.String() != "192.168.1.5" || a.CommaString() != "192,168,1,5" {
		t.Errorf("strings = %q %q", a.String(), a.CommaString())
	}
	if !a.NetIP().Equal(net.ParseIP("192.168.1.5")) {
		t.Errorf("NetIP = %v", a.NetIP())
	}
	if !UnspecifiedAddress().IsUnspecified() || a.IsUnspecified() {
		t.Error("IsUnspecified wrong")
	}
	if !LocalhostAddress().IsLocalhost() || a.IsLocalhost() {
		t.Error("IsLocalhost wrong")
	}

	parsed, err := ParseIPv4Address("192.168.1.5")
	if err != nil || parsed != a {
		t.Errorf("ParseIPv4Address = %v, %v", parsed, err)
	}
	if parsed, err := ParseIPv4Address("::ffff:10.0.0.1"); err != nil || parsed != NewIPv4Address(10, 0, 0, 1) {
		t.Errorf("mapped address = %v, %v", parsed, err)
	}
	for _, bad := range []string{"", "::1", "300.1.1.1", "example.com"} {
		if _, err := ParseIPv4Address(bad); err == nil {
			t.Errorf("ParseIPv4Address(%q) succeeded", bad)
		}
	}
}

func TestHostPortSextet(t *testing.T) {
	t.Parallel()
	a := NewIPv4Address(192, 168, 1, 5)
	p := NewIPPort(192, 23)
	s := FormatHostPort(a, p)
	if s != "192,168,1,5,192,23" {
		t.Fatalf("FormatHostPort = %q", s)
	}
	ga, gp, err := ParseHostPort(s)
	if err != nil || ga != a || gp != p {
		t.Errorf("ParseHostPort(%q) = %v, %v, %v", s, ga, gp, err)
	}
	if _, _, err := ParseHostPort(" 10, 0, 0, 1, 200, 13 "); err != nil {
		t.Errorf("spaces rejected: %v", err)
	}
	for _, bad := range []string{"", "1,2,3,4,5", "1,2,3,4,5,256", "a,b,c,d,e,f", "1,2,3,4,5,6,7"} {
		if _, _, err := ParseHostPort(bad); !errors.Is(err, ErrParseResponseFailed) {
			t.Errorf("ParseHostPort(%q) error = %v", bad, err)
		}
	}
}

func TestPortAllocator(t *testing.T) {
	t.Parallel()
	a := newPortAllocator()
	if got := a.next(); got != PortRangeLow {
		t.Fatalf("first port = %d, want %d", got, PortRangeLow)
	}
	if got := a.next(); got != PortRangeLow+1 {
		t.Fatalf("second port = %d", got)
	}

	a.reset(21)
	if got := a.next(); got != PortRangeLow {
		t.Errorf("reset below range gave %d", got)
	}

	a.reset(PortRangeHigh)
	if got := a.next(); got != PortRangeHigh {
		t.Errorf("got %d, want %d", got, PortRangeHigh)
	}
	if got := a.next(); got != PortRangeLow {
		t.Errorf("allocator did not wrap: %d", got)
	}
}

func TestEndpointFromAddr(t *testing.T) {
	t.Parallel()
	a, p, ok := endpointFromAddr(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2121})
	if !ok || a != NewIPv4Address(10, 0, 0, 1) || p != 2121 {
		t.Errorf("got %v %v %v", a, p, ok)
	}
	if _, _, ok := endpointFromAddr(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 21}); ok {
		t.Error("IPv6 address accepted")
	}
	if _, _, ok := endpointFromAddr(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1)}); ok {
		t.Error("UDP address accepted")
	}
}
