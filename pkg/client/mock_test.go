package client

import (
	"indigo/pkg/bus"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
)

type driverHandle string

func (h driverHandle) Name() string { return string(h) }

type mockTransport struct{ mock.Mock }

func (m *mockTransport) Start() error {
	return m.Called().Error(0)
}

func (m *mockTransport) Stop() error {
	return m.Called().Error(0)
}

func (m *mockTransport) AttachClient(c bus.Client) error {
	return m.Called(c).Error(0)
}

func (m *mockTransport) DetachClient(c bus.Client) error {
	return m.Called(c).Error(0)
}

func (m *mockTransport) LoadDriver(name string) (bus.DriverHandle, error) {
	args := m.Called(name)
	h, _ := args.Get(0).(bus.DriverHandle)
	return h, args.Error(1)
}

func (m *mockTransport) RemoveDriver(h bus.DriverHandle) error {
	return m.Called(h).Error(0)
}

func (m *mockTransport) EnumerateProperties(c bus.Client, device, name string) error {
	return m.Called(c, device, name).Error(0)
}

func (m *mockTransport) ChangeTextProperty(c bus.Client, device, name string, items []string, values []string) error {
	return m.Called(c, device, name, items, values).Error(0)
}

func (m *mockTransport) ChangeNumberProperty(c bus.Client, device, name string, items []string, values []float64) error {
	return m.Called(c, device, name, items, values).Error(0)
}

func (m *mockTransport) ChangeSwitchProperty(c bus.Client, device, name string, items []string, values []bool) error {
	return m.Called(c, device, name, items, values).Error(0)
}

func (m *mockTransport) ConnectDevice(c bus.Client, device string) error {
	return m.Called(c, device).Error(0)
}

func (m *mockTransport) DisconnectDevice(c bus.Client, device string) error {
	return m.Called(c, device).Error(0)
}

func (m *mockTransport) EnableBlob(c bus.Client, p *bus.Property, mode bus.BlobMode) error {
	return m.Called(c, p, mode).Error(0)
}

// levelTransport also follows the client verbosity.
type levelTransport struct {
	mockTransport
	level log.Level
}

func (t *levelTransport) SetLogLevel(level log.Level) {
	t.level = level
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *mockTransport, *test.Hook) {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.TraceLevel)

	tr := &mockTransport{}
	m := NewManager(tr, cfg, logger)
	t.Cleanup(func() { tr.AssertExpectations(t) })

	return m, tr, hook
}

func countMessages(hook *test.Hook, msg string) int {
	n := 0
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			n++
		}
	}
	return n
}
