package local

import (
	"indigo/pkg/bus"
	"indigo/pkg/property"
)

// Driver is a driver running inside the bus process. The bus calls its
// methods from the bus goroutine only; drivers that emit events from
// other goroutines must guard their own state.
type Driver interface {
	Name() string

	// Attach hands the driver its host. Drivers define their initial
	// properties here.
	Attach(h Host) error
	// Detach deletes the driver's properties and releases its resources.
	Detach() error

	// Devices lists the devices owned by the driver.
	Devices() []bus.Device
	// Properties returns the current definitions matching device and
	// name. Empty strings match everything.
	Properties(device, name string) []*bus.Property
	// Change applies a change request from a client.
	Change(req Change) error
}

// Factory creates a driver instance for LoadDriver.
type Factory func() (Driver, error)

// Host is the side of the bus a driver talks to. Events are queued and
// delivered to every attached client in order.
type Host interface {
	Define(dev bus.Device, p *bus.Property, message string)
	Update(dev bus.Device, p *bus.Property, message string)
	Delete(dev bus.Device, p *bus.Property, message string)
	Message(dev bus.Device, message string)
}

// Change is a request to change some items of a property. Only the value
// slice matching Type is set.
type Change struct {
	Device   string
	Name     string
	Type     property.Kind
	Items    []string
	Texts    []string
	Numbers  []float64
	Switches []bool
}

// Switch returns the requested value of a switch item.
func (c Change) Switch(item string) (value, ok bool) {
	for i, name := range c.Items {
		if name == item && i < len(c.Switches) {
			return c.Switches[i], true
		}
	}
	return false, false
}

// Number returns the requested value of a number item.
func (c Change) Number(item string) (float64, bool) {
	for i, name := range c.Items {
		if name == item && i < len(c.Numbers) {
			return c.Numbers[i], true
		}
	}
	return 0, false
}

func connectRequest(device string, connect bool) Change {
	return Change{
		Device:   device,
		Name:     property.Connection,
		Type:     property.KindSwitch,
		Items:    []string{property.Connected, property.Disconnected},
		Switches: []bool{connect, !connect},
	}
}
