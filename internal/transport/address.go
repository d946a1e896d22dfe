package transport

import (
	"fmt"
	"net"
	"strconv"
)

// Address is a resolved host and port of a paired device.
type Address struct {
	Host string
	Port int
}

// String returns host:port, bracketing IPv6 hosts.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether no address has been set.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// Validate checks that the address can be dialed.
func (a Address) Validate() error {
	if a.Host == "" {
		return fmt.Errorf("address host is empty")
	}

	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("address port %d out of range", a.Port)
	}

	return nil
}

// ParseAddress parses a host:port string as stored by the state package.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parsing address %q: %w", s, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("parsing port in %q: %w", s, err)
	}

	addr := Address{Host: host, Port: port}
	if err := addr.Validate(); err != nil {
		return Address{}, err
	}

	return addr, nil
}
