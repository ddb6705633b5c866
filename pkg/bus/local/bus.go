// Package local is an in-process bus. Drivers are registered by name and
// loaded into the bus; every event and command runs on a single bus
// goroutine, in the order it was queued.
package local

import (
	"errors"
	"fmt"
	"indigo/pkg/bus"
	"indigo/pkg/property"
	"net/url"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"
)

var ErrNotRunning = errors.New("bus is not running")

type blobKey struct {
	device string
	name   string
}

type attachedClient struct {
	client bus.Client
	blobs  map[blobKey]bus.BlobMode
}

type handle struct {
	name   string
	driver Driver
}

func (h *handle) Name() string {
	return h.name
}

// Bus implements bus.Transport for in-process drivers.
type Bus struct {
	logger *log.Logger
	entry  log.Ext1FieldLogger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []func()
	running   bool
	stopping  bool
	done      chan struct{}
	factories map[string]Factory
	drivers   []*handle
	clients   []*attachedClient
}

// New creates a stopped bus. A nil logger uses the standard logger.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.StandardLogger()
	}

	b := Bus{
		logger:    logger,
		entry:     logger.WithField("component", "bus"),
		factories: make(map[string]Factory),
	}
	b.cond = sync.NewCond(&b.mu)

	return &b
}

// Register makes a driver available to LoadDriver under name.
func (b *Bus) Register(name string, f Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[name] = f
}

// Drivers returns the registered driver names.
func (b *Bus) Drivers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.factories))
	for name := range b.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (b *Bus) SetLogLevel(level log.Level) {
	b.logger.SetLevel(level)
}

func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.New("bus already started")
	}
	b.running = true
	b.stopping = false
	b.done = make(chan struct{})

	go b.run(b.done)

	b.entry.Debug("Bus started")
	return nil
}

// Stop delivers every queued event and stops the bus goroutine.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrNotRunning
	}
	b.stopping = true
	done := b.done
	b.cond.Signal()
	b.mu.Unlock()

	<-done

	b.entry.Debug("Bus stopped")
	return nil
}

func (b *Bus) run(done chan struct{}) {
	defer close(done)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.stopping {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.running = false
			b.mu.Unlock()
			return
		}
		fn := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.mu.Unlock()

		fn()
	}
}

// post queues fn for the bus goroutine.
func (b *Bus) post(fn func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running || b.stopping {
		return ErrNotRunning
	}
	b.queue = append(b.queue, fn)
	b.cond.Signal()
	return nil
}

func (b *Bus) findClient(c bus.Client) *attachedClient {
	for _, ac := range b.clients {
		if ac.client == c {
			return ac
		}
	}
	return nil
}

func (b *Bus) AttachClient(c bus.Client) error {
	b.mu.Lock()
	if !b.running || b.stopping {
		b.mu.Unlock()
		return ErrNotRunning
	}
	if b.findClient(c) != nil {
		b.mu.Unlock()
		return fmt.Errorf("client %s already attached", c.Name())
	}
	b.clients = append(b.clients, &attachedClient{client: c, blobs: make(map[blobKey]bus.BlobMode)})
	b.mu.Unlock()

	return b.post(func() {
		b.entry.Debugf("Attaching client %s", c.Name())
		if err := c.OnAttach(); err != nil {
			b.entry.Warnf("Client %s attach: %v", c.Name(), err)
		}
	})
}

func (b *Bus) DetachClient(c bus.Client) error {
	b.mu.Lock()
	if b.findClient(c) == nil {
		b.mu.Unlock()
		return fmt.Errorf("client %s not attached", c.Name())
	}
	b.mu.Unlock()

	return b.post(func() {
		if err := c.OnDetach(); err != nil {
			b.entry.Warnf("Client %s detach: %v", c.Name(), err)
		}

		b.mu.Lock()
		b.clients = slices.DeleteFunc(b.clients, func(ac *attachedClient) bool {
			return ac.client == c
		})
		b.mu.Unlock()
	})
}

func (b *Bus) LoadDriver(name string) (bus.DriverHandle, error) {
	b.mu.Lock()
	factory, ok := b.factories[name]
	running := b.running && !b.stopping
	b.mu.Unlock()

	if !running {
		return nil, ErrNotRunning
	}
	if !ok {
		return nil, fmt.Errorf("driver %s not registered", name)
	}

	driver, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create driver %s: %w", name, err)
	}

	h := &handle{name: name, driver: driver}
	b.mu.Lock()
	b.drivers = append(b.drivers, h)
	b.mu.Unlock()

	if err := driver.Attach(&host{bus: b}); err != nil {
		b.mu.Lock()
		b.drivers = slices.DeleteFunc(b.drivers, func(d *handle) bool { return d == h })
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to attach driver %s: %w", name, err)
	}

	b.entry.Infof("Driver %s loaded", name)
	return h, nil
}

func (b *Bus) RemoveDriver(dh bus.DriverHandle) error {
	h, ok := dh.(*handle)
	if !ok {
		return fmt.Errorf("foreign driver handle %v", dh)
	}

	b.mu.Lock()
	idx := slices.Index(b.drivers, h)
	if idx >= 0 {
		b.drivers = slices.Delete(b.drivers, idx, idx+1)
	}
	b.mu.Unlock()

	if idx < 0 {
		return fmt.Errorf("driver %s not loaded", h.name)
	}

	if err := h.driver.Detach(); err != nil {
		return fmt.Errorf("failed to detach driver %s: %w", h.name, err)
	}

	b.entry.Infof("Driver %s removed", h.name)
	return nil
}

// driverFor returns the driver owning device.
func (b *Bus) driverFor(device string) (Driver, bus.Device, bool) {
	b.mu.Lock()
	drivers := slices.Clone(b.drivers)
	b.mu.Unlock()

	for _, h := range drivers {
		for _, dev := range h.driver.Devices() {
			if dev.Name == device {
				return h.driver, dev, true
			}
		}
	}
	return nil, bus.Device{}, false
}

func (b *Bus) EnumerateProperties(c bus.Client, device, name string) error {
	return b.post(func() {
		b.mu.Lock()
		ac := b.findClient(c)
		drivers := slices.Clone(b.drivers)
		b.mu.Unlock()
		if ac == nil {
			return
		}

		for _, h := range drivers {
			for _, dev := range h.driver.Devices() {
				if device != "" && dev.Name != device {
					continue
				}
				for _, p := range h.driver.Properties(dev.Name, name) {
					b.deliver(ac, dev, p, func(c bus.Client, p *bus.Property) error {
						return c.OnDefineProperty(dev, p, "")
					})
				}
			}
		}
	})
}

func (b *Bus) change(req Change) error {
	return b.post(func() {
		driver, _, ok := b.driverFor(req.Device)
		if !ok {
			b.entry.Warnf("No driver for device %s, %s change ignored", req.Device, req.Name)
			return
		}
		if err := driver.Change(req); err != nil {
			b.entry.Warnf("Change of %s.%s failed: %v", req.Device, req.Name, err)
		}
	})
}

func (b *Bus) ChangeTextProperty(c bus.Client, device, name string, items []string, values []string) error {
	if len(items) != len(values) {
		return fmt.Errorf("%d items but %d values", len(items), len(values))
	}
	return b.change(Change{Device: device, Name: name, Type: property.KindText, Items: items, Texts: values})
}

func (b *Bus) ChangeNumberProperty(c bus.Client, device, name string, items []string, values []float64) error {
	if len(items) != len(values) {
		return fmt.Errorf("%d items but %d values", len(items), len(values))
	}
	return b.change(Change{Device: device, Name: name, Type: property.KindNumber, Items: items, Numbers: values})
}

func (b *Bus) ChangeSwitchProperty(c bus.Client, device, name string, items []string, values []bool) error {
	if len(items) != len(values) {
		return fmt.Errorf("%d items but %d values", len(items), len(values))
	}
	return b.change(Change{Device: device, Name: name, Type: property.KindSwitch, Items: items, Switches: values})
}

func (b *Bus) ConnectDevice(c bus.Client, device string) error {
	return b.change(connectRequest(device, true))
}

func (b *Bus) DisconnectDevice(c bus.Client, device string) error {
	return b.change(connectRequest(device, false))
}

// EnableBlob sets the blob mode of one property for client c. It applies
// to events queued after the call.
func (b *Bus) EnableBlob(c bus.Client, p *bus.Property, mode bus.BlobMode) error {
	return b.post(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ac := b.findClient(c); ac != nil {
			ac.blobs[blobKey{p.Device, p.Name}] = mode
		}
	})
}

// deliver calls fn for one client with the blob items of p prepared for
// that client's blob mode.
func (b *Bus) deliver(ac *attachedClient, dev bus.Device, p *bus.Property, fn func(bus.Client, *bus.Property) error) {
	if p.Type == property.KindBlob {
		b.mu.Lock()
		mode := ac.blobs[blobKey{p.Device, p.Name}]
		b.mu.Unlock()
		p = withBlobMode(p, mode)
	}

	if err := fn(ac.client, p); err != nil {
		b.entry.Debugf("Client %s returned error for %s.%s: %v", ac.client.Name(), dev.Name, p.Name, err)
	}
}

// broadcast queues an event for every client attached when it runs.
func (b *Bus) broadcast(dev bus.Device, p *bus.Property, fn func(bus.Client, *bus.Property) error) {
	err := b.post(func() {
		b.mu.Lock()
		clients := slices.Clone(b.clients)
		b.mu.Unlock()

		for _, ac := range clients {
			b.deliver(ac, dev, p, fn)
		}
	})
	if err != nil {
		b.entry.Tracef("Event %s.%s dropped: %v", dev.Name, p.Name, err)
	}
}

func withBlobMode(p *bus.Property, mode bus.BlobMode) *bus.Property {
	cp := *p
	cp.Items = slices.Clone(p.Items)

	for i := range cp.Items {
		it := &cp.Items[i]
		switch mode {
		case bus.BlobNever:
			it.Blob = nil
			it.BlobSize = 0
		case bus.BlobURL:
			it.BlobURL = fmt.Sprintf("indigo://%s/%s.%s", url.PathEscape(p.Device), p.Name, it.Name)
		}
	}

	return &cp
}

// host is the Host handed to loaded drivers.
type host struct {
	bus *Bus
}

// snapshot copies the property header and items so drivers may keep
// mutating their own copy. Blob bytes are shared.
func snapshot(p *bus.Property) *bus.Property {
	cp := *p
	cp.Items = slices.Clone(p.Items)
	return &cp
}

func (h *host) Define(dev bus.Device, p *bus.Property, message string) {
	h.bus.broadcast(dev, snapshot(p), func(c bus.Client, p *bus.Property) error {
		return c.OnDefineProperty(dev, p, message)
	})
}

func (h *host) Update(dev bus.Device, p *bus.Property, message string) {
	h.bus.broadcast(dev, snapshot(p), func(c bus.Client, p *bus.Property) error {
		return c.OnUpdateProperty(dev, p, message)
	})
}

func (h *host) Delete(dev bus.Device, p *bus.Property, message string) {
	h.bus.broadcast(dev, snapshot(p), func(c bus.Client, p *bus.Property) error {
		return c.OnDeleteProperty(dev, p, message)
	})
}

func (h *host) Message(dev bus.Device, message string) {
	err := h.bus.post(func() {
		h.bus.mu.Lock()
		clients := slices.Clone(h.bus.clients)
		h.bus.mu.Unlock()

		for _, ac := range clients {
			if err := ac.client.OnSendMessage(dev, message); err != nil {
				h.bus.entry.Debugf("Client %s returned error for message: %v", ac.client.Name(), err)
			}
		}
	})
	if err != nil {
		h.bus.entry.Tracef("Message from %s dropped: %v", dev.Name, err)
	}
}
