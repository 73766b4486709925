package address

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Address is the TCP endpoint of a data node.
type Address struct {
	Host string
	Port int
}

// New creates an Address.
func New(host string, port int) Address {
	return Address{Host: host, Port: port}
}

// Parse parses an address in the format of "host:port".
func Parse(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, errors.Wrapf(err, "split host port %q", s)
	}
	if host == "" {
		return Address{}, errors.Errorf("empty host in address %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, errors.Wrapf(err, "parse port in address %q", s)
	}
	if port <= 0 || port > 65535 {
		return Address{}, errors.Errorf("port out of range in address %q", s)
	}
	return Address{Host: host, Port: port}, nil
}

// String returns the address in the format of "host:port".
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// Compare returns -1, 0 or +1 depending on whether a sorts before, equal to or after b.
// Addresses are ordered by host first, then by port.
func (a Address) Compare(b Address) int {
	if c := strings.Compare(a.Host, b.Host); c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts before b.
func (a Address) Less(b Address) bool {
	return a.Compare(b) < 0
}

// Contains reports whether the sorted slice addrs contains a.
func Contains(addrs []Address, a Address) bool {
	_, found := search(addrs, a)
	return found
}

// search returns the position where a is or would be inserted in the sorted slice addrs.
func search(addrs []Address, a Address) (int, bool) {
	lo, hi := 0, len(addrs)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if addrs[mid].Less(a) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(addrs) && addrs[lo] == a
}
