package util

import (
	"fmt"
	"net"
	"strconv"
)

// ParseIPv4 parses s as a dotted-quad IPv4 address.
func ParseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return ip, nil
}

// PrefixLen converts a dotted netmask such as 255.255.255.0 into its
// prefix length.  Non-contiguous masks are rejected.
func PrefixLen(netmask string) (int, error) {
	ip, err := ParseIPv4(netmask)
	if err != nil {
		return 0, err
	}
	ones, bits := net.IPMask(ip).Size()
	if bits == 0 {
		return 0, fmt.Errorf("netmask %q is not contiguous", netmask)
	}
	return ones, nil
}

// Subnet returns the network containing addr under netmask.
func Subnet(addr, netmask string) (*net.IPNet, error) {
	ip, err := ParseIPv4(addr)
	if err != nil {
		return nil, err
	}
	prefix, err := PrefixLen(netmask)
	if err != nil {
		return nil, err
	}
	mask := net.CIDRMask(prefix, 32)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}, nil
}

// CIDR formats addr with the prefix length of netmask ("10.0.0.1/24").
func CIDR(addr, netmask string) (string, error) {
	if _, err := ParseIPv4(addr); err != nil {
		return "", err
	}
	prefix, err := PrefixLen(netmask)
	if err != nil {
		return "", err
	}
	return addr + "/" + strconv.Itoa(prefix), nil
}

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// TCPPortFree reports whether port can be bound on the loopback address.
func TCPPortFree(port int) bool {
	l, err := net.Listen("tcp4", FormatAddr("127.0.0.1", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
