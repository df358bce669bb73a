package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrAddressSegments is returned when an address does not have exactly six octets.
	ErrAddressSegments = errors.New("address must have six colon-separated segments")
	// ErrAddressNumber is returned when an address segment is not a hex octet.
	ErrAddressNumber = errors.New("address segment is not a hex octet")
)

// Address is a 48-bit Bluetooth device address held in the low bits of a uint64.
type Address uint64

// ParseAddress parses "C8:FD:19:12:7F:CD" style addresses, case-insensitively.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 6 {
		return 0, fmt.Errorf("%w: %q", ErrAddressSegments, s)
	}

	var addr uint64
	for _, p := range parts {
		if len(p) == 0 || len(p) > 2 {
			return 0, fmt.Errorf("%w: %q in %q", ErrAddressNumber, p, s)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return 0, fmt.Errorf("%w: %q in %q", ErrAddressNumber, p, s)
		}
		addr = addr<<8 | b
	}
	return Address(addr), nil
}

// MustParseAddress is like ParseAddress but panics on malformed input.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats the address as six uppercase, colon-separated octets.
func (a Address) String() string {
	b := a.Bytes()
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}

// Bytes returns the six octets, most significant first.
func (a Address) Bytes() [6]byte {
	var b [6]byte
	v := uint64(a)
	for i := 5; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
