package mqttbus

import (
	"bytes"
	"context"
	"indigo/pkg/bus"
	"indigo/pkg/bus/local"
	"indigo/pkg/client"
	"indigo/pkg/drivers/ccd_simulator"
	"indigo/pkg/property"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

// memBroker is an in-memory Conn delivering each publish synchronously to
// the handler subscribed to that exact topic.
type memBroker struct {
	mu        sync.Mutex
	subs      map[string]func(string, []byte)
	published []string
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string]func(string, []byte))}
}

func (m *memBroker) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	m.published = append(m.published, topic)
	handler := m.subs[topic]
	m.mu.Unlock()

	if handler != nil {
		handler(topic, payload)
	}
	return nil
}

func (m *memBroker) Subscribe(topic string, handler func(string, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = handler
	return nil
}

func (m *memBroker) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, topic)
	return nil
}

func (m *memBroker) IsConnected() bool { return true }

func (m *memBroker) Disconnect(uint) {}

func (m *memBroker) subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[topic]
	return ok
}

func TestMessageEncoding(t *testing.T) {
	p := &bus.Property{
		Device: "Camera",
		Name:   property.CCDImage,
		Type:   property.KindBlob,
		State:  property.Ok,
		Perm:   property.ReadOnly,
		Items:  []bus.Item{{Name: property.Image, Blob: []byte{0, 1, 2, 0xff}, BlobSize: 4, BlobFormat: ".fits"}},
	}

	payload, err := encode(message{Kind: kindUpdate, Device: "Camera", Version: bus.Version2_0, Property: toWire(p)})
	require.NoError(t, err)

	msg, err := decodeMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, bus.Version2_0, msg.Version)
	assert.Equal(t, p, fromWire(msg.Property))

	_, err = decodeMessage([]byte{0xff})
	assert.Error(t, err)

	payload, err = encode(request{ID: "1", Op: opLoad})
	require.NoError(t, err)
	_, err = decodeRequest(payload)
	assert.Error(t, err, "request without client")
}

func TestCallTimesOutWithoutServer(t *testing.T) {
	logger, _ := test.NewNullLogger()
	broker := newMemBroker()

	b := New(broker, "indigo", logger)
	b.Timeout = 20 * time.Millisecond

	_, err := b.LoadDriver("ccd")
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, b.Start())
	_, err = b.LoadDriver("ccd")
	assert.ErrorContains(t, err, "timeout waiting for load response")
	assert.Zero(t, b.pending.Size())

	stranger := &remoteClient{id: "stranger"}
	assert.ErrorIs(t, b.ConnectDevice(stranger, "Camera"), ErrNotAttached)

	require.NoError(t, b.Stop())
	assert.False(t, broker.subscribed(clientTopic("indigo", b.id)))
}

func startServer(t *testing.T, broker *memBroker) *local.Bus {
	t.Helper()
	logger, _ := test.NewNullLogger()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "indigo.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	lb := local.New(logger)
	lb.Register(ccd_simulator.DriverName, func() (local.Driver, error) {
		return ccd_simulator.NewCCDSimulator(db, logger)
	})
	require.NoError(t, lb.Start())

	srv := NewServer(broker, "indigo", lb, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		lb.Stop()
	})

	require.Eventually(t, func() bool {
		return broker.subscribed(requestTopic("indigo"))
	}, time.Second, 5*time.Millisecond)
	return lb
}

func TestRemoteSession(t *testing.T) {
	broker := newMemBroker()
	startServer(t, broker)

	logger, _ := test.NewNullLogger()
	b := New(broker, "indigo", logger)
	m := client.NewManager(b, client.Config{Mode: client.ModeSingleDevice, DeviceName: ccd_simulator.DeviceName}, logger)

	router := client.NewRouter()
	require.NoError(t, m.SetDispatchHandler(router.Dispatch))
	defined := make(chan string, 64)
	router.Handle(client.Filter{Actions: []client.Action{client.ActionDefine}}, func(_ client.Action, v *property.Vector) error {
		defined <- v.Name
		return nil
	})

	require.NoError(t, m.Setup())
	err := m.LoadDriver("missing")
	var loadErr *client.DriverLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "missing", loadErr.Path)

	require.NoError(t, m.LoadDriver(ccd_simulator.DriverName))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Session().WaitStatus(ctx, ccd_simulator.DeviceName, client.StatusConnected))

	images := make(chan []byte, 1)
	require.NoError(t, m.TakeShot(0.01, "", func(image []byte) error {
		images <- image
		return nil
	}))

	select {
	case image := <-images:
		assert.True(t, bytes.HasPrefix(image, []byte("SIMPLE")))
	case <-ctx.Done():
		t.Fatal("no image delivered")
	}

	require.NoError(t, m.DisconnectDevice(""))
	require.NoError(t, m.WaitDisconnected(ctx, ""))
	require.NoError(t, m.UnloadDriver())
	require.NoError(t, m.Cleanup())

	close(defined)
	var names []string
	for name := range defined {
		names = append(names, name)
	}
	assert.Contains(t, names, property.CCDGain)
	assert.NotContains(t, names, property.Connection)
}
