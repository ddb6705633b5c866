package client

import (
	"context"
	"indigo/pkg/bus"
	"indigo/pkg/property"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Action is the kind of property event delivered to a dispatch handler.
type Action int

const (
	ActionDefine Action = iota
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionDefine:
		return "define"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// DispatchHandler receives every forwarded property event.
type DispatchHandler func(action Action, v *property.Vector) error

// ShotHandler receives captured images. The slice belongs to the handler.
type ShotHandler func(image []byte) error

// State is the lifecycle state of a session.
type State int

const (
	StateUnstarted State = iota
	StateClientAttached
	StateDriverLoaded
	StateDeviceConnected
	StateDeviceDisconnected
	StateDriverUnloaded
	StateClientDetached
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "Unstarted"
	case StateClientAttached:
		return "ClientAttached"
	case StateDriverLoaded:
		return "DriverLoaded"
	case StateDeviceConnected:
		return "DeviceConnected"
	case StateDeviceDisconnected:
		return "DeviceDisconnected"
	case StateDriverUnloaded:
		return "DriverUnloaded"
	case StateClientDetached:
		return "ClientDetached"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// running reports whether the bus is started and the client attached.
func (s State) running() bool {
	return s >= StateClientAttached && s <= StateDriverUnloaded
}

// driverLoaded reports whether the state implies a loaded driver.
func (s State) driverLoaded() bool {
	return s >= StateDriverLoaded && s <= StateDeviceDisconnected
}

// DeviceStatus follows the CONNECTION property of a device.
type DeviceStatus int

const (
	StatusUnknown DeviceStatus = iota
	StatusDisconnected
	StatusConnected
	StatusFailed
)

func (s DeviceStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the shared state of one client: lifecycle, active driver,
// device name, per-device connection status and registered handlers.
// Every field is guarded by mu, which is never held while a handler runs.
type Session struct {
	mu sync.Mutex

	state      State
	driver     bus.DriverHandle
	deviceName string
	devices    map[string]DeviceStatus
	changed    chan struct{}

	dispatch DispatchHandler
	shot     ShotHandler
}

func NewSession(deviceName string) *Session {
	return &Session{
		deviceName: deviceName,
		devices:    make(map[string]DeviceStatus),
		changed:    make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Session) DeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceName
}

func (s *Session) setDeviceName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceName = name
}

func (s *Session) Driver() bus.DriverHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

func (s *Session) dispatchHandler() DispatchHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatch
}

func (s *Session) setDispatchHandler(fn DispatchHandler) {
	s.mu.Lock()
	s.dispatch = fn
	s.mu.Unlock()
}

func (s *Session) shotHandler() ShotHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shot
}

func (s *Session) setShotHandler(fn ShotHandler) {
	s.mu.Lock()
	s.shot = fn
	s.mu.Unlock()
}

// Connected reports whether the last CONNECTION value seen for device
// was connected.
func (s *Session) Connected(device string) bool {
	return s.Status(device) == StatusConnected
}

func (s *Session) Status(device string) DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[device]
}

func (s *Session) anyConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anyConnectedLocked()
}

func (s *Session) anyConnectedLocked() bool {
	for _, st := range s.devices {
		if st == StatusConnected {
			return true
		}
	}
	return false
}

// driverAttached records h as the active driver. Devices of the driver may
// have reported a connection before the load returned, so the state is
// derived from the statuses seen so far.
func (s *Session) driverAttached(h bus.DriverHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driver = h
	s.state = StateDriverLoaded
	if s.anyConnectedLocked() {
		s.state = StateDeviceConnected
	}
}

// Devices returns the names of all devices seen on the bus, sorted.
func (s *Session) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.devices))
	for name := range s.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindDevice looks a device up by name ignoring case, then by prefix.
func (s *Session) FindDevice(name string) (string, bool) {
	devices := s.Devices()
	for _, dev := range devices {
		if strings.EqualFold(dev, name) {
			return dev, true
		}
	}
	for _, dev := range devices {
		if strings.HasPrefix(strings.ToLower(dev), strings.ToLower(name)) {
			return dev, true
		}
	}
	return "", false
}

// seen registers a device without changing its status.
func (s *Session) seen(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[device]; !ok {
		s.devices[device] = StatusUnknown
		s.notifyLocked()
	}
}

// setStatus records the status of device and reports whether it changed.
// The lifecycle state follows connection transitions while a driver is
// loaded.
func (s *Session) setStatus(device string, st DeviceStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.devices[device]
	if ok && prev == st {
		return false
	}
	s.devices[device] = st
	s.notifyLocked()

	if s.state.driverLoaded() {
		switch {
		case s.anyConnectedLocked():
			s.state = StateDeviceConnected
		case s.state == StateDeviceConnected:
			s.state = StateDeviceDisconnected
		}
	}

	return prev != st
}

func (s *Session) forget(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, device)
	s.notifyLocked()
}

func (s *Session) forgetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.devices)
	s.notifyLocked()
}

func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// WaitStatus blocks until device reaches one of statuses or ctx is done.
func (s *Session) WaitStatus(ctx context.Context, device string, statuses ...DeviceStatus) error {
	for {
		s.mu.Lock()
		cur := s.devices[device]
		ch := s.changed
		s.mu.Unlock()

		if slices.Contains(statuses, cur) {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
