// Package bus describes the boundary between a property-bus client and the
// bus service that loads drivers and delivers their events.
package bus

import (
	"fmt"
	"indigo/pkg/property"

	log "github.com/sirupsen/logrus"
)

// Version is a device protocol version, major in the high byte.
type Version int

const (
	Version1_7 Version = 0x107
	Version2_0 Version = 0x200
)

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", int(v)>>8, int(v)&0xff)
}

// BlobMode selects how blob payloads are delivered to a client.
type BlobMode int

const (
	BlobNever BlobMode = iota
	BlobAlso
	BlobURL
)

func (m BlobMode) String() string {
	switch m {
	case BlobNever:
		return "Never"
	case BlobAlso:
		return "Also"
	case BlobURL:
		return "URL"
	default:
		return fmt.Sprintf("BlobMode(%d)", int(m))
	}
}

// Device identifies the device an event comes from.
type Device struct {
	Name    string
	Version Version
}

// Item is an item as delivered by the bus. Only the fields matching the
// owning property type are meaningful.
type Item struct {
	Name  string
	Label string
	Hints string

	Text string

	Number float64
	Target float64
	Min    float64
	Max    float64
	Step   float64
	Format string

	Switch bool

	Light property.State

	Blob       []byte // may be reused by the bus after the callback returns
	BlobSize   int
	BlobFormat string
	BlobURL    string
}

// Property is a property vector as delivered by the bus. Type is not
// validated by the bus.
type Property struct {
	Device string
	Name   string
	Type   property.Kind
	State  property.State
	Perm   property.Perm
	Rule   property.Rule
	Items  []Item
}

// Switch reports whether the named switch item is on.
func (p *Property) Switch(name string) bool {
	for _, it := range p.Items {
		if it.Name == name {
			return it.Switch
		}
	}
	return false
}

// Client is the capability set a bus client exposes. The bus calls these
// from its own goroutine.
type Client interface {
	Name() string
	OnAttach() error
	OnDefineProperty(dev Device, p *Property, message string) error
	OnUpdateProperty(dev Device, p *Property, message string) error
	OnDeleteProperty(dev Device, p *Property, message string) error
	OnSendMessage(dev Device, message string) error
	OnDetach() error
}

// DriverHandle is an opaque handle to a loaded driver.
type DriverHandle interface {
	Name() string
}

// Transport is the bus service. Commands return once the request is
// queued; their effects arrive later as client callbacks. Stop waits for
// the goroutine delivering callbacks and must not be called from one.
type Transport interface {
	Start() error
	Stop() error

	AttachClient(c Client) error
	DetachClient(c Client) error

	LoadDriver(name string) (DriverHandle, error)
	RemoveDriver(h DriverHandle) error

	// EnumerateProperties asks for define events. Empty device or name
	// match everything.
	EnumerateProperties(c Client, device, name string) error

	ChangeTextProperty(c Client, device, name string, items []string, values []string) error
	ChangeNumberProperty(c Client, device, name string, items []string, values []float64) error
	ChangeSwitchProperty(c Client, device, name string, items []string, values []bool) error

	ConnectDevice(c Client, device string) error
	DisconnectDevice(c Client, device string) error

	EnableBlob(c Client, p *Property, mode BlobMode) error
}

// LevelSetter is implemented by transports whose own logging follows the
// client verbosity.
type LevelSetter interface {
	SetLogLevel(level log.Level)
}

// FromVector converts a property vector to its bus form.
func FromVector(v *property.Vector) *Property {
	p := &Property{
		Device: v.Device,
		Name:   v.Name,
		Type:   v.Kind,
		State:  v.State,
		Perm:   v.Perm,
		Rule:   v.Rule,
		Items:  make([]Item, 0, len(v.Items)),
	}

	for _, it := range v.Items {
		bi := Item{Name: it.Name, Label: it.Label, Hints: it.Hints}
		switch val := it.Value.(type) {
		case property.TextValue:
			bi.Text = string(val)
		case property.NumberValue:
			bi.Number = val.Value
			bi.Target = val.Target
			bi.Min = val.Min
			bi.Max = val.Max
			bi.Step = val.Step
			bi.Format = val.Format
		case property.SwitchValue:
			bi.Switch = bool(val)
		case property.LightValue:
			bi.Light = property.State(val)
		case property.BlobValue:
			bi.Blob = val.Data
			bi.BlobSize = val.Size
			bi.BlobFormat = val.Format
			bi.BlobURL = val.URL
		}
		p.Items = append(p.Items, bi)
	}

	return p
}
