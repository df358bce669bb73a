package device

import (
	"fmt"

	"github.com/srg/blewatch/internal/bledb"
)

// NormalizeUUID is re-exported from bledb: lowercase, no dashes, SIG base
// UUIDs shortened to 16 bits.
func NormalizeUUID(uuid string) string {
	return bledb.NormalizeUUID(uuid)
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	return bledb.NormalizeUUIDs(uuids)
}

// ValidateUUID normalizes uuids, rejecting empty entries and non-hex input.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		n := NormalizeUUID(uuid)
		if n == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		if !isHex(n) || (len(n) != 4 && len(n) != 8 && len(n) != 32) {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, n)
	}
	return result, nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
