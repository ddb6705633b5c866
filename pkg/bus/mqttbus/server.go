package mqttbus

import (
	"context"
	"fmt"
	"indigo/pkg/bus"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
)

// Server exposes a transport to Bus clients on the other side of the
// broker. Each remote client is attached to the transport as its own
// bus.Client, so per-client blob modes and enumeration work unchanged.
type Server struct {
	conn      Conn
	root      string
	transport bus.Transport
	logger    log.Ext1FieldLogger

	work    *queue
	clients *xsync.MapOf[string, *remoteClient]
	drivers map[string]bus.DriverHandle // touched only by the work goroutine
}

func NewServer(conn Conn, root string, transport bus.Transport, logger log.Ext1FieldLogger) *Server {
	return &Server{
		conn:      conn,
		root:      root,
		transport: transport,
		logger:    logger.WithField("component", "mqttserver"),
		clients:   xsync.NewMapOf[string, *remoteClient](),
		drivers:   make(map[string]bus.DriverHandle),
	}
}

// Run serves requests until ctx is done. Remote clients still attached
// are detached and loaded drivers removed before it returns.
func (s *Server) Run(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	s.work = newQueue(256)
	topic := requestTopic(s.root)
	if err := s.conn.Subscribe(topic, s.requestHandler); err != nil {
		s.work.close()
		return err
	}
	s.logger.Infof("Serving bus requests on %s", topic)

	<-ctx.Done()

	if err := s.conn.Unsubscribe(topic); err != nil {
		s.logger.Warnf("Failed to unsubscribe: %v", err)
	}
	s.work.post(s.shutdown)
	s.work.close()

	s.logger.Info("Bus server stopped")
	return nil
}

func (s *Server) requestHandler(topic string, payload []byte) {
	req, err := decodeRequest(payload)
	if err != nil {
		s.logger.Errorf("Dropping request: %v", err)
		return
	}
	s.work.post(func() { s.handle(req) })
}

func (s *Server) shutdown() {
	s.clients.Range(func(id string, rc *remoteClient) bool {
		if err := s.transport.DetachClient(rc); err != nil {
			s.logger.Warnf("Failed to detach %s: %v", id, err)
		}
		s.clients.Delete(id)
		return true
	})
	for name, h := range s.drivers {
		if err := s.transport.RemoveDriver(h); err != nil {
			s.logger.Warnf("Failed to remove driver %s: %v", name, err)
		}
		delete(s.drivers, name)
	}
}

func (s *Server) handle(req request) {
	s.logger.Tracef("Request %s %s from %s", req.Op, req.Device, req.Client)

	switch req.Op {
	case opAttach:
		s.reply(req, s.attach(req.Client))
	case opDetach:
		s.reply(req, s.detach(req.Client))
	case opLoad:
		s.reply(req, s.load(req.Driver))
	case opRemove:
		s.reply(req, s.remove(req.Driver))
	default:
		if err := s.command(req); err != nil {
			s.logger.Warnf("Request %s on %s.%s failed: %v", req.Op, req.Device, req.Property, err)
		}
	}
}

func (s *Server) attach(id string) error {
	rc := &remoteClient{id: id, server: s}
	if _, loaded := s.clients.LoadOrStore(id, rc); loaded {
		return fmt.Errorf("client %s already attached", id)
	}
	if err := s.transport.AttachClient(rc); err != nil {
		s.clients.Delete(id)
		return err
	}
	s.logger.Infof("Remote client %s attached", id)
	return nil
}

func (s *Server) detach(id string) error {
	rc, ok := s.clients.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, id)
	}
	s.logger.Infof("Remote client %s detached", id)
	return s.transport.DetachClient(rc)
}

func (s *Server) load(name string) error {
	if _, ok := s.drivers[name]; ok {
		return fmt.Errorf("driver %s already loaded", name)
	}
	h, err := s.transport.LoadDriver(name)
	if err != nil {
		return err
	}
	s.drivers[name] = h
	return nil
}

func (s *Server) remove(name string) error {
	h, ok := s.drivers[name]
	if !ok {
		return fmt.Errorf("driver %s not loaded", name)
	}
	delete(s.drivers, name)
	return s.transport.RemoveDriver(h)
}

func (s *Server) command(req request) error {
	rc, ok := s.clients.Load(req.Client)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, req.Client)
	}

	switch req.Op {
	case opEnumerate:
		return s.transport.EnumerateProperties(rc, req.Device, req.Property)
	case opText:
		return s.transport.ChangeTextProperty(rc, req.Device, req.Property, req.Items, req.Texts)
	case opNumber:
		return s.transport.ChangeNumberProperty(rc, req.Device, req.Property, req.Items, req.Numbers)
	case opSwitch:
		return s.transport.ChangeSwitchProperty(rc, req.Device, req.Property, req.Items, req.Switches)
	case opConnect:
		return s.transport.ConnectDevice(rc, req.Device)
	case opDisconn:
		return s.transport.DisconnectDevice(rc, req.Device)
	case opBlob:
		return s.transport.EnableBlob(rc, &bus.Property{Device: req.Device, Name: req.Property}, req.BlobMode)
	default:
		return fmt.Errorf("unknown operation %q", req.Op)
	}
}

func (s *Server) reply(req request, err error) {
	msg := message{Kind: kindReply, ID: req.ID}
	if err != nil {
		msg.Error = err.Error()
	}
	if perr := s.publish(req.Client, msg); perr != nil {
		s.logger.Errorf("Failed to reply to %s: %v", req.Client, perr)
	}
}

func (s *Server) publish(client string, msg message) error {
	payload, err := encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %v", msg.Kind, err)
	}
	return s.conn.Publish(clientTopic(s.root, client), payload)
}

// remoteClient forwards the events of one remote client to its topic.
type remoteClient struct {
	id     string
	server *Server
}

func (c *remoteClient) Name() string {
	return c.id
}

func (c *remoteClient) OnAttach() error {
	return c.server.publish(c.id, message{Kind: kindAttach})
}

func (c *remoteClient) event(kind string, dev bus.Device, p *bus.Property, text string) error {
	return c.server.publish(c.id, message{
		Kind:     kind,
		Device:   dev.Name,
		Version:  dev.Version,
		Property: toWire(p),
		Text:     text,
	})
}

func (c *remoteClient) OnDefineProperty(dev bus.Device, p *bus.Property, message string) error {
	return c.event(kindDefine, dev, p, message)
}

func (c *remoteClient) OnUpdateProperty(dev bus.Device, p *bus.Property, message string) error {
	return c.event(kindUpdate, dev, p, message)
}

func (c *remoteClient) OnDeleteProperty(dev bus.Device, p *bus.Property, message string) error {
	return c.event(kindDelete, dev, p, message)
}

func (c *remoteClient) OnSendMessage(dev bus.Device, message string) error {
	return c.event(kindMessage, dev, nil, message)
}

// OnDetach publishes nothing: the detaching Bus notifies its client itself.
func (c *remoteClient) OnDetach() error {
	return nil
}
