package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Octets is a four-element IPv4 tuple. An empty or all-zero tuple means unset.
type Octets []int

// ParseOctets parses a dotted IPv4 literal. The empty string yields an unset tuple.
func ParseOctets(s string) (Octets, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Octets{}, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("ipv4 %q: want 4 octets, got %d", s, len(parts))
	}
	out := make(Octets, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return nil, fmt.Errorf("ipv4 %q: bad octet %q", s, p)
		}
		out[i] = n
	}
	return out, nil
}

// IsSet reports whether the tuple carries an address.
func (o Octets) IsSet() bool {
	if len(o) != 4 {
		return false
	}
	for _, n := range o {
		if n != 0 {
			return true
		}
	}
	return false
}

// Valid reports whether the tuple is unset or a well-formed address.
func (o Octets) Valid() bool {
	if len(o) == 0 {
		return true
	}
	if len(o) != 4 {
		return false
	}
	for _, n := range o {
		if n < 0 || n > 255 {
			return false
		}
	}
	return true
}

func (o Octets) String() string {
	if !o.IsSet() {
		return ""
	}
	parts := make([]string, len(o))
	for i, n := range o {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

func (o Octets) clone() Octets {
	if o == nil {
		return nil
	}
	return append(Octets{}, o...)
}
