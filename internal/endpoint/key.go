package endpoint

import (
	"fmt"
	"net"
	"strconv"
)

// Key identifies a backend by host and port. Two keys are equal iff host and
// port match exactly; no normalization is applied.
type Key struct {
	Host string
	Port int
}

// New returns the key for host and port.
func New(host string, port int) Key {
	return Key{Host: host, Port: port}
}

// Parse builds a key from a "host:port" string. A value without a port
// yields port 0.
func Parse(hostPort string) (Key, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		if addrErr, ok := err.(*net.AddrError); ok && addrErr.Err == "missing port in address" {
			return Key{Host: hostPort}, nil
		}
		return Key{}, fmt.Errorf("invalid endpoint %q: %w", hostPort, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Key{}, fmt.Errorf("invalid endpoint port %q", portStr)
	}

	return Key{Host: host, Port: port}, nil
}

// HostPort returns the dialable "host:port" form.
func (k Key) HostPort() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

func (k Key) String() string {
	return k.HostPort()
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k.Host == "" && k.Port == 0
}
