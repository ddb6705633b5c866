package client

import (
	"context"
	"errors"
	"fmt"
	"indigo/pkg/bus"
	"indigo/pkg/property"

	log "github.com/sirupsen/logrus"
)

// Manager drives the lifecycle of one client session: bus start and
// attach, a single driver slot, device commands and handler registration.
// Commands return as soon as the bus has queued them and may be issued
// from handlers. Cleanup must not be called from a dispatch or shot
// handler, since it waits for the goroutine running that handler.
type Manager struct {
	transport bus.Transport
	session   *Session
	client    *busClient
	logger    *log.Logger
}

// NewManager creates a manager for transport. A nil logger uses the
// standard logrus logger.
func NewManager(transport bus.Transport, cfg Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Name == "" {
		cfg.Name = defaultClientName
	}

	session := NewSession(cfg.DeviceName)
	entry := logger.WithField("component", "client")

	m := Manager{
		transport: transport,
		session:   session,
		logger:    logger,
		client: &busClient{
			name:      cfg.Name,
			cfg:       cfg,
			session:   session,
			transport: transport,
			bridge:    newBridge(session, cfg, logger.WithField("component", "dispatch")),
			logger:    entry,
		},
	}

	return &m
}

func (m *Manager) Session() *Session {
	return m.session
}

func (m *Manager) State() State {
	return m.session.State()
}

// Setup starts the bus and attaches the client. It may be called once
// after creation and again after Cleanup.
func (m *Manager) Setup() error {
	if st := m.session.State(); st != StateUnstarted && st != StateStopped {
		return fmt.Errorf("setup in state %s: %w", st, ErrInvalidState)
	}

	if err := m.transport.Start(); err != nil {
		return fmt.Errorf("failed to start bus: %w", err)
	}
	if err := m.transport.AttachClient(m.client); err != nil {
		m.transport.Stop()
		return fmt.Errorf("failed to attach client: %w", err)
	}

	m.session.setState(StateClientAttached)
	m.logger.Debug("Client setup complete")
	return nil
}

// SetDeviceName changes the managed device. It is only allowed while no
// driver is loaded.
func (m *Manager) SetDeviceName(name string) error {
	if m.session.State().driverLoaded() {
		return ErrDriverLoaded
	}
	m.session.setDeviceName(name)
	return nil
}

// LoadDriver loads the driver at path into the single driver slot.
func (m *Manager) LoadDriver(path string) error {
	switch st := m.session.State(); {
	case st.driverLoaded():
		return ErrDriverLoaded
	case !st.running():
		return ErrNotRunning
	}

	h, err := m.transport.LoadDriver(path)
	if err != nil {
		return &DriverLoadError{Path: path, Err: err}
	}

	m.session.driverAttached(h)

	m.logger.WithField("driver", h.Name()).Info("Driver loaded")
	return nil
}

// UnloadDriver removes the active driver. It fails with
// ErrDeviceConnected while any device is still connected.
func (m *Manager) UnloadDriver() error {
	st := m.session.State()
	if !st.driverLoaded() {
		return ErrNoDriver
	}
	if m.session.anyConnected() {
		return ErrDeviceConnected
	}

	h := m.session.Driver()
	if err := m.transport.RemoveDriver(h); err != nil {
		return fmt.Errorf("failed to remove driver %s: %w", h.Name(), err)
	}

	m.session.forgetAll()
	m.session.mu.Lock()
	m.session.driver = nil
	m.session.state = StateDriverUnloaded
	m.session.mu.Unlock()

	m.logger.WithField("driver", h.Name()).Info("Driver unloaded")
	return nil
}

// DisconnectDevice requests a disconnect. Completion shows up as a later
// CONNECTION update. An empty name means the configured device.
func (m *Manager) DisconnectDevice(name string) error {
	if !m.session.State().running() {
		return ErrNotRunning
	}
	name = m.device(name)

	m.logger.WithField("device", name).Info("Disconnecting device")
	return m.transport.DisconnectDevice(m.client, name)
}

// Cleanup detaches the client and stops the bus. The driver must have
// been unloaded first. Calling it again once stopped does nothing.
// It deadlocks when called from a handler.
func (m *Manager) Cleanup() error {
	st := m.session.State()
	switch {
	case st == StateStopped:
		return nil
	case st.driverLoaded():
		return ErrDriverLoaded
	case !st.running():
		return fmt.Errorf("cleanup in state %s: %w", st, ErrInvalidState)
	}

	var errs []error
	if err := m.transport.DetachClient(m.client); err != nil {
		errs = append(errs, fmt.Errorf("failed to detach client: %w", err))
	}
	m.session.setState(StateClientDetached)

	if err := m.transport.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop bus: %w", err))
	}
	m.session.setState(StateStopped)

	m.logger.Debug("Client cleanup complete")
	return errors.Join(errs...)
}

// SetDispatchHandler replaces the dispatch handler.
func (m *Manager) SetDispatchHandler(fn DispatchHandler) error {
	if fn == nil {
		return ErrInvalidCallback
	}
	m.session.setDispatchHandler(fn)
	return nil
}

// SetShotHandler replaces the image handler.
func (m *Manager) SetShotHandler(fn ShotHandler) error {
	if fn == nil {
		return ErrInvalidCallback
	}
	m.session.setShotHandler(fn)
	return nil
}

// TakeShot starts an exposure of the given length in seconds. The image
// arrives later through the shot handler. A handler passed here replaces
// the registered one before the exposure is requested.
func (m *Manager) TakeShot(exposure float64, device string, handler ...ShotHandler) error {
	if len(handler) > 0 {
		if err := m.SetShotHandler(handler[0]); err != nil {
			return err
		}
	}
	if m.session.shotHandler() == nil {
		return fmt.Errorf("take shot: %w", ErrNoHandlerRegistered)
	}

	v, err := property.CCDExposureSchema.Single(m.device(device), property.NumberValue{Value: exposure})
	if err != nil {
		return err
	}
	return m.SetProperty(v)
}

// SetGain writes the gain of a device.
func (m *Manager) SetGain(value float64, device string) error {
	v, err := property.CCDGainSchema.Single(m.device(device), property.NumberValue{Value: value})
	if err != nil {
		return err
	}
	return m.SetProperty(v)
}

// SetProperty asks the device to change a text, number or switch vector
// to the values of v.
func (m *Manager) SetProperty(v *property.Vector) error {
	if !m.session.State().running() {
		return ErrNotRunning
	}

	p := bus.FromVector(v)
	names := make([]string, len(p.Items))
	for i, it := range p.Items {
		names[i] = it.Name
	}

	m.logger.WithField("device", v.Device).Debugf("Setting %s", v)

	switch v.Kind {
	case property.KindText:
		values := make([]string, len(p.Items))
		for i, it := range p.Items {
			values[i] = it.Text
		}
		return m.transport.ChangeTextProperty(m.client, v.Device, v.Name, names, values)
	case property.KindNumber:
		values := make([]float64, len(p.Items))
		for i, it := range p.Items {
			values[i] = it.Number
		}
		return m.transport.ChangeNumberProperty(m.client, v.Device, v.Name, names, values)
	case property.KindSwitch:
		values := make([]bool, len(p.Items))
		for i, it := range p.Items {
			values[i] = it.Switch
		}
		return m.transport.ChangeSwitchProperty(m.client, v.Device, v.Name, names, values)
	default:
		return fmt.Errorf("cannot set %s property %s", v.Kind, v.Name)
	}
}

// SetLogVerbosity sets the log level from a verbosity between 0 and 3.
// Other values select the error level.
func (m *Manager) SetLogVerbosity(n int) log.Level {
	level := LevelForVerbosity(n)
	m.logger.SetLevel(level)
	if ls, ok := m.transport.(bus.LevelSetter); ok {
		ls.SetLogLevel(level)
	}
	return level
}

// WaitDisconnected blocks until the device is no longer connected or ctx
// is done.
func (m *Manager) WaitDisconnected(ctx context.Context, device string) error {
	return m.session.WaitStatus(ctx, m.device(device), StatusUnknown, StatusDisconnected, StatusFailed)
}

func (m *Manager) device(name string) string {
	if name == "" {
		return m.session.DeviceName()
	}
	return name
}
