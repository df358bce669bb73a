package testutils

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/srg/blewatch/internal/device"
	"github.com/srg/blewatch/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
)

// DescriptorConfig describes a descriptor of a simulated peripheral.
type DescriptorConfig struct {
	UUID  string `json:"uuid"`
	Value []byte `json:"value,omitempty"`
}

// CharacteristicConfig describes a characteristic of a simulated peripheral.
type CharacteristicConfig struct {
	UUID        string             `json:"uuid"`
	Properties  string             `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value       []byte             `json:"value,omitempty"`
	Descriptors []DescriptorConfig `json:"descriptors,omitempty"`
}

// ServiceConfig describes a service of a simulated peripheral.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralProfile is the GATT layout of a simulated peripheral.
type PeripheralProfile struct {
	Services []ServiceConfig `json:"services"`
}

// Peripheral simulates a remote device. Every dial gets a fresh MockLink
// whose expectations serve the profile; hooks registered with OnLink run
// first, so their expectations take precedence over the profile defaults.
type Peripheral struct {
	Address device.Address

	profile PeripheralProfile
	hooks   []func(*mocks.MockLink)

	mu    sync.Mutex
	links []*simLink
}

type simLink struct {
	mock      *mocks.MockLink
	gone      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	handlers map[uint16]device.NotificationHandler
}

func (l *simLink) drop() {
	l.closeOnce.Do(func() { close(l.gone) })
}

// NewPeripheral starts an empty peripheral at addr.
func NewPeripheral(addr string) *Peripheral {
	return &Peripheral{Address: device.MustParseAddress(addr)}
}

// NewPeripheralFromJSON builds a peripheral from a PeripheralProfile in JSON;
// fmt verbs in jsonFmt are expanded with args first.
func NewPeripheralFromJSON(addr, jsonFmt string, args ...any) *Peripheral {
	p := NewPeripheral(addr)
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonFmt, args...)), &p.profile); err != nil {
		panic(fmt.Sprintf("NewPeripheralFromJSON: %v", err))
	}
	return p
}

// WithService appends a service.
func (p *Peripheral) WithService(uuid string) *Peripheral {
	p.profile.Services = append(p.profile.Services, ServiceConfig{UUID: uuid})
	return p
}

// WithCharacteristic appends a characteristic to the last service.
func (p *Peripheral) WithCharacteristic(uuid, properties string, value []byte) *Peripheral {
	if len(p.profile.Services) == 0 {
		panic("WithCharacteristic: call WithService first")
	}
	svc := &p.profile.Services[len(p.profile.Services)-1]
	svc.Characteristics = append(svc.Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return p
}

// WithDescriptor appends a descriptor to the last characteristic.
func (p *Peripheral) WithDescriptor(uuid string, value []byte) *Peripheral {
	if len(p.profile.Services) == 0 {
		panic("WithDescriptor: call WithCharacteristic first")
	}
	svc := &p.profile.Services[len(p.profile.Services)-1]
	if len(svc.Characteristics) == 0 {
		panic("WithDescriptor: call WithCharacteristic first")
	}
	char := &svc.Characteristics[len(svc.Characteristics)-1]
	char.Descriptors = append(char.Descriptors, DescriptorConfig{UUID: uuid, Value: value})
	return p
}

// OnLink registers expectations applied to every new link before the
// profile defaults.
func (p *Peripheral) OnLink(hook func(l *mocks.MockLink)) *Peripheral {
	p.hooks = append(p.hooks, hook)
	return p
}

// NewLink creates and records the link for one successful dial.
func (p *Peripheral) NewLink() *mocks.MockLink {
	l := &simLink{
		mock:     &mocks.MockLink{},
		gone:     make(chan struct{}),
		handlers: make(map[uint16]device.NotificationHandler),
	}
	for _, hook := range p.hooks {
		hook(l.mock)
	}
	p.expectProfile(l)

	p.mu.Lock()
	p.links = append(p.links, l)
	p.mu.Unlock()
	return l.mock
}

// Links returns every link created so far, oldest first.
func (p *Peripheral) Links() []*mocks.MockLink {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*mocks.MockLink, 0, len(p.links))
	for _, l := range p.links {
		out = append(out, l.mock)
	}
	return out
}

// CallCount sums calls of method over every link.
func (p *Peripheral) CallCount(method string) int {
	n := 0
	for _, l := range p.Links() {
		for _, call := range l.Calls {
			if call.Method == method {
				n++
			}
		}
	}
	return n
}

// Notify delivers data to the handler armed on uuid over the latest link. It
// reports whether a handler was armed.
func (p *Peripheral) Notify(uuid string, data []byte) bool {
	l := p.latest()
	if l == nil {
		return false
	}
	handle, ok := p.charHandle(uuid)
	if !ok {
		return false
	}

	l.mu.Lock()
	h := l.handlers[handle]
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Armed reports whether notifications on uuid are armed over the latest link.
func (p *Peripheral) Armed(uuid string) bool {
	l := p.latest()
	handle, ok := p.charHandle(uuid)
	if l == nil || !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handlers[handle] != nil
}

// DropLink simulates the peripheral going away on the latest link.
func (p *Peripheral) DropLink() {
	if l := p.latest(); l != nil {
		l.drop()
	}
}

func (p *Peripheral) latest() *simLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.links) == 0 {
		return nil
	}
	return p.links[len(p.links)-1]
}

// Handles are laid out the way a GATT server would: each service, then each
// characteristic declaration followed by its value and descriptors.
func (p *Peripheral) layout() ([]device.ServiceInfo, [][]device.CharacteristicInfo, [][][]device.DescriptorInfo) {
	var (
		svcs   []device.ServiceInfo
		chars  [][]device.CharacteristicInfo
		descs  [][][]device.DescriptorInfo
		handle uint16 = 1
	)
	for _, sc := range p.profile.Services {
		svcs = append(svcs, device.ServiceInfo{UUID: sc.UUID, Handle: handle})
		handle++

		var cis []device.CharacteristicInfo
		var dis [][]device.DescriptorInfo
		for _, cc := range sc.Characteristics {
			ci := device.CharacteristicInfo{
				UUID:         cc.UUID,
				Handle:       handle,
				ValueHandle:  handle + 1,
				Capabilities: device.ParseCapabilities(cc.Properties),
			}
			handle += 2

			var ds []device.DescriptorInfo
			for _, dc := range cc.Descriptors {
				ds = append(ds, device.DescriptorInfo{UUID: dc.UUID, Handle: handle})
				handle++
			}
			cis = append(cis, ci)
			dis = append(dis, ds)
		}
		chars = append(chars, cis)
		descs = append(descs, dis)
	}
	return svcs, chars, descs
}

func (p *Peripheral) charHandle(uuid string) (uint16, bool) {
	want := device.NormalizeUUID(uuid)
	_, chars, _ := p.layout()
	for _, cis := range chars {
		for _, ci := range cis {
			if device.NormalizeUUID(ci.UUID) == want {
				return ci.Handle, true
			}
		}
	}
	return 0, false
}

func (p *Peripheral) expectProfile(l *simLink) {
	m := l.mock
	svcs, chars, descs := p.layout()

	m.On("DiscoverServices").Return(svcs, nil).Maybe()

	for i, svc := range svcs {
		m.On("DiscoverCharacteristics", serviceAt(svc.Handle)).Return(chars[i], nil).Maybe()

		for j, ci := range chars[i] {
			cfg := p.profile.Services[i].Characteristics[j]
			m.On("DiscoverDescriptors", characteristicAt(ci.Handle)).Return(descs[i][j], nil).Maybe()
			m.On("ReadCharacteristic", characteristicAt(ci.Handle)).Return(cfg.Value, nil).Maybe()
			m.On("WriteCharacteristic", characteristicAt(ci.Handle), mock.Anything, mock.Anything).Return(nil).Maybe()

			handle := ci.Handle
			m.On("Subscribe", characteristicAt(handle), mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) {
					l.mu.Lock()
					l.handlers[handle] = args.Get(2).(device.NotificationHandler)
					l.mu.Unlock()
				}).Return(nil).Maybe()
			m.On("Unsubscribe", characteristicAt(handle), mock.Anything).
				Run(func(mock.Arguments) {
					l.mu.Lock()
					delete(l.handlers, handle)
					l.mu.Unlock()
				}).Return(nil).Maybe()

			for k, di := range descs[i][j] {
				m.On("ReadDescriptor", descriptorAt(di.Handle)).Return(cfg.Descriptors[k].Value, nil).Maybe()
			}
		}
	}

	m.On("Disconnect").Run(func(mock.Arguments) { l.drop() }).Return(nil).Maybe()
	m.On("Disconnected").Return(l.gone).Maybe()
}

func serviceAt(handle uint16) any {
	return mock.MatchedBy(func(s device.ServiceInfo) bool { return s.Handle == handle })
}

func characteristicAt(handle uint16) any {
	return mock.MatchedBy(func(c device.CharacteristicInfo) bool { return c.Handle == handle })
}

func descriptorAt(handle uint16) any {
	return mock.MatchedBy(func(d device.DescriptorInfo) bool { return d.Handle == handle })
}

// ServiceUUID matches a ServiceInfo by UUID, for OnLink overrides.
func ServiceUUID(uuid string) any {
	want := device.NormalizeUUID(uuid)
	return mock.MatchedBy(func(s device.ServiceInfo) bool { return device.NormalizeUUID(s.UUID) == want })
}

// CharacteristicUUID matches a CharacteristicInfo by UUID, for OnLink overrides.
func CharacteristicUUID(uuid string) any {
	want := device.NormalizeUUID(uuid)
	return mock.MatchedBy(func(c device.CharacteristicInfo) bool { return device.NormalizeUUID(c.UUID) == want })
}
