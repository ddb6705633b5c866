package mqttbus

import (
	"errors"
	"fmt"
	"indigo/pkg/bus"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
)

const defaultTimeout = 5 * time.Second

var (
	ErrNotRunning  = errors.New("bus is not running")
	ErrNotAttached = errors.New("client not attached")
)

func requestTopic(root string) string {
	return root + "/requests"
}

func clientTopic(root, id string) string {
	return root + "/clients/" + id
}

type driverHandle string

func (h driverHandle) Name() string {
	return string(h)
}

// remote is one attached client and the id the server knows it by.
type remote struct {
	id     string
	client bus.Client
}

// Bus implements bus.Transport against a Server reachable through an MQTT
// broker. Driver loading and client attach wait for the server's reply,
// every other command is published without waiting.
type Bus struct {
	conn   Conn
	root   string
	id     string
	logger *log.Logger
	entry  log.Ext1FieldLogger

	// Timeout bounds the wait for a reply.
	Timeout time.Duration

	mu      sync.Mutex
	running bool
	events  *queue
	remotes map[bus.Client]*remote
	pending *xsync.MapOf[string, chan message]
}

// New creates a stopped bus publishing under root. A nil logger uses the
// standard logger.
func New(conn Conn, root string, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.StandardLogger()
	}

	id := uuid.NewString()
	return &Bus{
		conn:    conn,
		root:    root,
		id:      id,
		logger:  logger,
		entry:   logger.WithFields(log.Fields{"component": "mqttbus", "id": id[:8]}),
		Timeout: defaultTimeout,
		remotes: make(map[bus.Client]*remote),
		pending: xsync.NewMapOf[string, chan message](),
	}
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
	if !b.conn.IsConnected() {
		return errors.New("MQTT client is not connected")
	}

	b.events = newQueue(256)
	if err := b.conn.Subscribe(clientTopic(b.root, b.id), b.handler(nil)); err != nil {
		b.events.close()
		return err
	}
	b.running = true

	b.entry.Debugf("Bus started on %s", b.root)
	return nil
}

// Stop unsubscribes every topic and delivers the events already received.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrNotRunning
	}
	b.running = false
	topics := []string{clientTopic(b.root, b.id)}
	for _, r := range b.remotes {
		topics = append(topics, clientTopic(b.root, r.id))
	}
	clear(b.remotes)
	events := b.events
	b.mu.Unlock()

	var errs []error
	for _, topic := range topics {
		errs = append(errs, b.conn.Unsubscribe(topic))
	}
	events.close()

	b.entry.Debug("Bus stopped")
	return errors.Join(errs...)
}

// handler decodes messages for r, or for the bus itself when r is nil.
// Replies complete a pending call directly, events go through the queue.
func (b *Bus) handler(r *remote) func(topic string, payload []byte) {
	return func(topic string, payload []byte) {
		msg, err := decodeMessage(payload)
		if err != nil {
			b.entry.Errorf("Dropping message on %s: %v", topic, err)
			return
		}

		if msg.Kind == kindReply {
			if ch, ok := b.pending.LoadAndDelete(msg.ID); ok {
				ch <- msg
			} else {
				b.entry.Debugf("Late reply %s", msg.ID)
			}
			return
		}

		if r == nil {
			b.entry.Warnf("Unexpected %s event on %s", msg.Kind, topic)
			return
		}

		b.mu.Lock()
		events := b.events
		b.mu.Unlock()
		if !events.post(func() { b.deliver(r, msg) }) {
			b.entry.Tracef("Event %s %s.%s dropped after stop", msg.Kind, msg.Device, propertyName(msg))
		}
	}
}

func propertyName(msg message) string {
	if msg.Property == nil {
		return ""
	}
	return msg.Property.Name
}

func (b *Bus) deliver(r *remote, msg message) {
	dev := bus.Device{Name: msg.Device, Version: msg.Version}
	b.entry.Tracef("Event %s %s.%s", msg.Kind, msg.Device, propertyName(msg))

	var err error
	switch msg.Kind {
	case kindAttach:
		err = r.client.OnAttach()
	case kindDefine:
		err = r.client.OnDefineProperty(dev, fromWire(msg.Property), msg.Text)
	case kindUpdate:
		err = r.client.OnUpdateProperty(dev, fromWire(msg.Property), msg.Text)
	case kindDelete:
		err = r.client.OnDeleteProperty(dev, fromWire(msg.Property), msg.Text)
	case kindMessage:
		err = r.client.OnSendMessage(dev, msg.Text)
	default:
		b.entry.Warnf("Unknown message kind %s", msg.Kind)
		return
	}
	if err != nil {
		b.entry.Debugf("Client %s returned error for %s event: %v", r.client.Name(), msg.Kind, err)
	}
}

func (b *Bus) publish(req request) error {
	payload, err := encode(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %v", req.Op, err)
	}
	b.entry.Tracef("Request %s %s %s.%s", req.ID[:8], req.Op, req.Device, req.Property)
	return b.conn.Publish(requestTopic(b.root), payload)
}

// call publishes req and waits for its reply.
func (b *Bus) call(req request) error {
	req.ID = uuid.NewString()
	ch := make(chan message, 1)
	b.pending.Store(req.ID, ch)
	defer b.pending.Delete(req.ID)

	if err := b.publish(req); err != nil {
		return err
	}

	select {
	case msg := <-ch:
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		return nil
	case <-time.After(b.Timeout):
		return fmt.Errorf("timeout waiting for %s response", req.Op)
	}
}

// send publishes req on behalf of client c without waiting.
func (b *Bus) send(c bus.Client, req request) error {
	b.mu.Lock()
	r, ok := b.remotes[c]
	running := b.running
	b.mu.Unlock()

	if !running {
		return ErrNotRunning
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, c.Name())
	}

	req.ID = uuid.NewString()
	req.Client = r.id
	return b.publish(req)
}

func (b *Bus) AttachClient(c bus.Client) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrNotRunning
	}
	if _, ok := b.remotes[c]; ok {
		b.mu.Unlock()
		return fmt.Errorf("client %s already attached", c.Name())
	}
	r := &remote{id: uuid.NewString(), client: c}
	b.remotes[c] = r
	b.mu.Unlock()

	topic := clientTopic(b.root, r.id)
	err := b.conn.Subscribe(topic, b.handler(r))
	if err == nil {
		err = b.call(request{Client: r.id, Op: opAttach})
	}
	if err != nil {
		b.conn.Unsubscribe(topic)
		b.mu.Lock()
		delete(b.remotes, c)
		b.mu.Unlock()
		return fmt.Errorf("failed to attach client %s: %w", c.Name(), err)
	}

	b.entry.Debugf("Client %s attached as %s", c.Name(), r.id[:8])
	return nil
}

func (b *Bus) DetachClient(c bus.Client) error {
	b.mu.Lock()
	r, ok := b.remotes[c]
	running := b.running
	events := b.events
	b.mu.Unlock()

	if !running {
		return ErrNotRunning
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, c.Name())
	}

	err := b.call(request{Client: r.id, Op: opDetach})
	if err != nil {
		b.entry.Warnf("Server did not confirm detach of %s: %v", c.Name(), err)
	}

	b.mu.Lock()
	delete(b.remotes, c)
	b.mu.Unlock()
	unsubErr := b.conn.Unsubscribe(clientTopic(b.root, r.id))

	events.post(func() {
		if err := c.OnDetach(); err != nil {
			b.entry.Warnf("Client %s detach: %v", c.Name(), err)
		}
	})

	return unsubErr
}

func (b *Bus) LoadDriver(name string) (bus.DriverHandle, error) {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	if err := b.call(request{Client: b.id, Op: opLoad, Driver: name}); err != nil {
		return nil, err
	}
	return driverHandle(name), nil
}

func (b *Bus) RemoveDriver(h bus.DriverHandle) error {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	return b.call(request{Client: b.id, Op: opRemove, Driver: h.Name()})
}

func (b *Bus) EnumerateProperties(c bus.Client, device, name string) error {
	return b.send(c, request{Op: opEnumerate, Device: device, Property: name})
}

func (b *Bus) ChangeTextProperty(c bus.Client, device, name string, items []string, values []string) error {
	if len(items) != len(values) {
		return fmt.Errorf("%d items but %d values", len(items), len(values))
	}
	return b.send(c, request{Op: opText, Device: device, Property: name, Items: items, Texts: values})
}

func (b *Bus) ChangeNumberProperty(c bus.Client, device, name string, items []string, values []float64) error {
	if len(items) != len(values) {
		return fmt.Errorf("%d items but %d values", len(items), len(values))
	}
	return b.send(c, request{Op: opNumber, Device: device, Property: name, Items: items, Numbers: values})
}

func (b *Bus) ChangeSwitchProperty(c bus.Client, device, name string, items []string, values []bool) error {
	if len(items) != len(values) {
		return fmt.Errorf("%d items but %d values", len(items), len(values))
	}
	return b.send(c, request{Op: opSwitch, Device: device, Property: name, Items: items, Switches: values})
}

func (b *Bus) ConnectDevice(c bus.Client, device string) error {
	return b.send(c, request{Op: opConnect, Device: device})
}

func (b *Bus) DisconnectDevice(c bus.Client, device string) error {
	return b.send(c, request{Op: opDisconn, Device: device})
}

func (b *Bus) EnableBlob(c bus.Client, p *bus.Property, mode bus.BlobMode) error {
	return b.send(c, request{Op: opBlob, Device: p.Device, Property: p.Name, BlobMode: mode})
}
