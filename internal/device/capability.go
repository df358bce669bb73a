package device

import "strings"

// Capabilities is the set of operations a characteristic permits. Bit values
// follow the GATT characteristic properties field, with the two extended
// property bits placed above it.
type Capabilities uint16

const (
	CapBroadcast                 Capabilities = 0x001
	CapRead                      Capabilities = 0x002
	CapWriteWithoutResponse      Capabilities = 0x004
	CapWrite                     Capabilities = 0x008
	CapNotify                    Capabilities = 0x010
	CapIndicate                  Capabilities = 0x020
	CapAuthenticatedSignedWrites Capabilities = 0x040
	CapExtendedProperties        Capabilities = 0x080
	CapReliableWrites            Capabilities = 0x100
	CapWritableAuxiliaries       Capabilities = 0x200
)

var capabilityNames = []struct {
	cap  Capabilities
	name string
}{
	{CapBroadcast, "broadcast"},
	{CapRead, "read"},
	{CapWriteWithoutResponse, "write-without-response"},
	{CapWrite, "write"},
	{CapNotify, "notify"},
	{CapIndicate, "indicate"},
	{CapAuthenticatedSignedWrites, "authenticated-signed-writes"},
	{CapExtendedProperties, "extended-properties"},
	{CapReliableWrites, "reliable-writes"},
	{CapWritableAuxiliaries, "writable-auxiliaries"},
}

// Has reports whether every bit of c2 is set in c.
func (c Capabilities) Has(c2 Capabilities) bool { return c&c2 == c2 }

func (c Capabilities) Readable() bool                { return c.Has(CapRead) }
func (c Capabilities) Writable() bool                { return c.Has(CapWrite) }
func (c Capabilities) WritableWithoutResponse() bool { return c.Has(CapWriteWithoutResponse) }
func (c Capabilities) Notifiable() bool              { return c.Has(CapNotify) }
func (c Capabilities) Indicatable() bool             { return c.Has(CapIndicate) }

// Names lists the set capabilities in bit order.
func (c Capabilities) Names() []string {
	var names []string
	for _, cn := range capabilityNames {
		if c.Has(cn.cap) {
			names = append(names, cn.name)
		}
	}
	return names
}

func (c Capabilities) String() string {
	return strings.Join(c.Names(), ",")
}

// ParseCapabilities turns a comma separated list such as "read,notify" back
// into a capability set. Unknown names are ignored.
func ParseCapabilities(s string) Capabilities {
	var c Capabilities
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		for _, cn := range capabilityNames {
			if cn.name == part {
				c |= cn.cap
			}
		}
	}
	return c
}
