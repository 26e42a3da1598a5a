// Package backendaddr parses the backend address strings accepted in a
// service's configured backend list: "host:port", "ipv4:port", and
// "[ipv6]:port".
package backendaddr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Spec is a parsed backend address: a host (domain name or IP literal,
// bracket syntax already stripped) and a port.
type Spec struct {
	Host string
	Port uint16
}

// Parse splits s into a Spec, correctly handling bracketed IPv6 literals.
// net.SplitHostPort already understands all three accepted forms, so this
// is a thin wrapper that additionally validates the port range.
func Parse(s string) (Spec, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Spec{}, fmt.Errorf("backendaddr: %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Spec{}, fmt.Errorf("backendaddr: %q: invalid port %q: %w", s, portStr, err)
	}
	if port == 0 {
		return Spec{}, fmt.Errorf("backendaddr: %q: port must be 1-65535", s)
	}
	return Spec{Host: host, Port: uint16(port)}, nil
}

// Addr returns the host:port form suitable for net.Dial, re-bracketing an
// IPv6 literal host if necessary.
func (s Spec) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

// Key returns the stable identity used to match a backend across
// reconfigurations: host+port, case-normalized for the host component.
func (s Spec) Key() string {
	return strings.ToLower(s.Host) + "|" + strconv.Itoa(int(s.Port))
}
