package netconf

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxPrefixLength is the largest accepted prefix length for either family.
const MaxPrefixLength = 128

// ValidIPv4 reports whether s is four dot-separated decimal integers in 0..255.
func ValidIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, part := range parts {
		if part == "" || len(part) > 3 || !isDigits(part) {
			return false
		}
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

// ValidIPv6 reports whether s looks like an IPv6 address. Only the presence
// of at least two colons is checked.
func ValidIPv6(s string) bool {
	return strings.Count(s, ":") >= 2
}

// ParsePrefix validates address/length notation and returns the family of
// the address part. An address containing a colon is treated as IPv6.
func ParsePrefix(s string) (Family, error) {
	if strings.Count(s, "/") != 1 {
		return "", fmt.Errorf("invalid prefix %q: expected address/length", s)
	}
	addr, length, _ := strings.Cut(s, "/")
	if length == "" || len(length) > 3 || !isDigits(length) {
		return "", fmt.Errorf("invalid prefix length in %q", s)
	}
	if n, _ := strconv.Atoi(length); n > MaxPrefixLength {
		return "", fmt.Errorf("invalid prefix length in %q (0-%d)", s, MaxPrefixLength)
	}
	if strings.Contains(addr, ":") {
		if !ValidIPv6(addr) {
			return "", fmt.Errorf("invalid IPv6 address in %q", s)
		}
		return FamilyIPv6, nil
	}
	if !ValidIPv4(addr) {
		return "", fmt.Errorf("invalid IPv4 address in %q", s)
	}
	return FamilyIPv4, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
