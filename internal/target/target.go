package target

import (
	"cmp"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrEmptySet  = errors.New("target set is empty")
	ErrPortRange = errors.New("target port out of range")
)

const maxPort = 65535

// ID identifies one upstream endpoint by host and port.
type ID struct {
	Host string
	Port uint16
}

// New returns the ID for host:port.
func New(host string, port uint16) ID {
	return ID{Host: host, Port: port}
}

// Parse parses a "host:port" address into an ID.
func Parse(addr string) (ID, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return ID{}, fmt.Errorf("parse target %q: %w", addr, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return ID{}, fmt.Errorf("parse target %q: %w", addr, ErrPortRange)
	}

	return ID{Host: host, Port: uint16(port)}, nil
}

// String returns the dialable host:port form.
func (id ID) String() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(int(id.Port)))
}

// Compare orders IDs by host, then numerically by port.
func (id ID) Compare(other ID) int {
	if c := strings.Compare(id.Host, other.Host); c != 0 {
		return c
	}
	return cmp.Compare(id.Port, other.Port)
}

// Set is the ordered list of targets configured at startup.
// It is never resized after construction.
type Set []ID

// NewSet validates ids and returns them as a Set in the given order.
func NewSet(ids ...ID) (Set, error) {
	if len(ids) == 0 {
		return nil, ErrEmptySet
	}

	set := make(Set, len(ids))
	copy(set, ids)
	return set, nil
}

// NewRange builds count targets on host with consecutive ports starting
// at startPort.
func NewRange(host string, startPort, count int) (Set, error) {
	if count < 1 {
		return nil, ErrEmptySet
	}

	if startPort < 1 || startPort+count-1 > maxPort {
		return nil, fmt.Errorf("ports %d..%d: %w", startPort, startPort+count-1, ErrPortRange)
	}

	set := make(Set, 0, count)
	for i := 0; i < count; i++ {
		set = append(set, New(host, uint16(startPort+i)))
	}

	return set, nil
}

// ParseList parses a list of host:port addresses into a Set.
func ParseList(addrs []string) (Set, error) {
	ids := make([]ID, 0, len(addrs))
	for _, addr := range addrs {
		id, err := Parse(addr)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return NewSet(ids...)
}

// Strings returns the host:port form of every target, in order.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, id := range s {
		out[i] = id.String()
	}
	return out
}
