package device

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Well-known descriptor UUIDs in normalized form.
const (
	DescriptorExtendedProperties = "2900"
	DescriptorUserDescription    = "2901"
	DescriptorClientConfig       = "2902"
	DescriptorServerConfig       = "2903"
	DescriptorPresentationFormat = "2904"
	DescriptorAggregateFormat    = "2905"
	DescriptorValidRange         = "2906"
)

// ExtendedProperties is the Characteristic Extended Properties value (0x2900).
type ExtendedProperties struct {
	ReliableWrite       bool `json:"reliable_write"`
	WritableAuxiliaries bool `json:"writable_auxiliaries"`
}

// ClientConfig is the Client Characteristic Configuration value (0x2902).
type ClientConfig struct {
	Notifications bool `json:"notifications"`
	Indications   bool `json:"indications"`
}

// ServerConfig is the Server Characteristic Configuration value (0x2903).
type ServerConfig struct {
	Broadcasts bool `json:"broadcasts"`
}

// PresentationFormat is the Characteristic Presentation Format value (0x2904).
type PresentationFormat struct {
	Format      uint8  `json:"format"`
	Exponent    int8   `json:"exponent"`
	Unit        uint16 `json:"unit"`
	Namespace   uint8  `json:"namespace"`
	Description uint16 `json:"description"`
}

// ValidRange is the Valid Range value (0x2906), split evenly into bounds.
type ValidRange struct {
	Min []byte `json:"min"`
	Max []byte `json:"max"`
}

// Capabilities folds the extended property bits into a capability set.
func (p ExtendedProperties) Capabilities() Capabilities {
	var c Capabilities
	if p.ReliableWrite {
		c |= CapReliableWrites
	}
	if p.WritableAuxiliaries {
		c |= CapWritableAuxiliaries
	}
	return c
}

func parseFlags16(name string, data []byte) (uint16, error) {
	if len(data) != 2 {
		return 0, fmt.Errorf("invalid length for %s: expected 2, got %d", name, len(data))
	}
	return binary.LittleEndian.Uint16(data), nil
}

func ParseExtendedProperties(data []byte) (ExtendedProperties, error) {
	v, err := parseFlags16("extended properties", data)
	return ExtendedProperties{ReliableWrite: v&0x1 != 0, WritableAuxiliaries: v&0x2 != 0}, err
}

func ParseClientConfig(data []byte) (ClientConfig, error) {
	v, err := parseFlags16("client config", data)
	return ClientConfig{Notifications: v&0x1 != 0, Indications: v&0x2 != 0}, err
}

func ParseServerConfig(data []byte) (ServerConfig, error) {
	v, err := parseFlags16("server config", data)
	return ServerConfig{Broadcasts: v&0x1 != 0}, err
}

// ParseUserDescription decodes the UTF-8 user description (0x2901), dropping
// trailing NULs.
func ParseUserDescription(data []byte) (string, error) {
	s := strings.TrimRight(string(data), "\x00")
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("invalid UTF-8 in user description")
	}
	return s, nil
}

// ParsePresentationFormat decodes the 7-byte presentation format descriptor.
func ParsePresentationFormat(data []byte) (PresentationFormat, error) {
	if len(data) != 7 {
		return PresentationFormat{}, fmt.Errorf("invalid length for presentation format: expected 7, got %d", len(data))
	}
	return PresentationFormat{
		Format:      data[0],
		Exponent:    int8(data[1]),
		Unit:        binary.LittleEndian.Uint16(data[2:4]),
		Namespace:   data[4],
		Description: binary.LittleEndian.Uint16(data[5:7]),
	}, nil
}

// ParseValidRange splits data into lower and upper bounds; an odd trailing
// byte goes to the upper bound.
func ParseValidRange(data []byte) (ValidRange, error) {
	if len(data) < 2 {
		return ValidRange{}, fmt.Errorf("invalid length for valid range: expected at least 2, got %d", len(data))
	}
	mid := len(data) / 2
	return ValidRange{
		Min: append([]byte(nil), data[:mid]...),
		Max: append([]byte(nil), data[mid:]...),
	}, nil
}

// ParseDescriptorValue decodes well-known descriptor values. Unknown
// descriptors come back as the raw bytes; empty data yields nil.
func ParseDescriptorValue(uuid string, data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	switch NormalizeUUID(uuid) {
	case DescriptorExtendedProperties:
		return ParseExtendedProperties(data)
	case DescriptorUserDescription:
		return ParseUserDescription(data)
	case DescriptorClientConfig:
		return ParseClientConfig(data)
	case DescriptorServerConfig:
		return ParseServerConfig(data)
	case DescriptorPresentationFormat:
		return ParsePresentationFormat(data)
	case DescriptorValidRange:
		return ParseValidRange(data)
	default:
		return data, nil
	}
}
