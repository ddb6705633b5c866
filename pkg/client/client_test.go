package client

import (
	"errors"
	"indigo/pkg/bus"
	"indigo/pkg/property"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var ccd = bus.Device{Name: "CCD Imager Simulator", Version: bus.Version2_0}

func connectionProperty(device string, state property.State, connected bool) *bus.Property {
	return &bus.Property{
		Device: device,
		Name:   property.Connection,
		Type:   property.KindSwitch,
		State:  state,
		Perm:   property.ReadWrite,
		Rule:   property.OneOfMany,
		Items: []bus.Item{
			{Name: property.Connected, Switch: connected},
			{Name: property.Disconnected, Switch: !connected},
		},
	}
}

func gainProperty(device string, gain float64) *bus.Property {
	return &bus.Property{
		Device: device,
		Name:   property.CCDGain,
		Type:   property.KindNumber,
		State:  property.Ok,
		Perm:   property.ReadWrite,
		Items:  []bus.Item{{Name: property.Gain, Number: gain, Max: 500, Step: 1}},
	}
}

func imageProperty(device string, state property.State, blob []byte, size int) *bus.Property {
	return &bus.Property{
		Device: device,
		Name:   property.CCDImage,
		Type:   property.KindBlob,
		State:  state,
		Perm:   property.ReadOnly,
		Items:  []bus.Item{{Name: property.Image, Blob: blob, BlobSize: size, BlobFormat: ".fits"}},
	}
}

type recorder struct {
	mu      sync.Mutex
	actions []Action
	vectors []*property.Vector
}

func (r *recorder) handle(action Action, v *property.Vector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	r.vectors = append(r.vectors, v)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vectors)
}

func TestOnAttachEnumerates(t *testing.T) {
	m, tr, _ := newTestManager(t, Config{})
	tr.On("EnumerateProperties", m.client, "", "").Return(nil).Once()

	assert.NoError(t, m.client.OnAttach())
}

func TestDeviceFiltering(t *testing.T) {
	tests := []struct {
		name     string
		mode     Mode
		device   string
		expected int
	}{
		{"Single device, other device", ModeSingleDevice, "Y", 0},
		{"Single device, matching device", ModeSingleDevice, "X", 1},
		{"Single device is case sensitive", ModeSingleDevice, "x", 0},
		{"General mode, any device", ModeGeneral, "Y", 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, Config{Mode: tc.mode, DeviceName: "X"})
			rec := &recorder{}
			require.NoError(t, m.SetDispatchHandler(rec.handle))

			dev := bus.Device{Name: tc.device, Version: bus.Version2_0}
			assert.NoError(t, m.client.OnUpdateProperty(dev, gainProperty(tc.device, 10), ""))
			assert.Equal(t, tc.expected, rec.count())
		})
	}
}

func TestConnectionDefineConnects(t *testing.T) {
	m, tr, _ := newTestManager(t, Config{})
	rec := &recorder{}
	require.NoError(t, m.SetDispatchHandler(rec.handle))

	tr.On("ConnectDevice", m.client, ccd.Name).Return(nil).Once()

	err := m.client.OnDefineProperty(ccd, connectionProperty(ccd.Name, property.Ok, false), "")
	assert.NoError(t, err)
	assert.Equal(t, 0, rec.count())
	assert.False(t, m.session.Connected(ccd.Name))
	tr.AssertNumberOfCalls(t, "ConnectDevice", 1)
}

func TestConnectionDefineAlreadyConnected(t *testing.T) {
	m, tr, hook := newTestManager(t, Config{})
	rec := &recorder{}
	require.NoError(t, m.SetDispatchHandler(rec.handle))

	err := m.client.OnDefineProperty(ccd, connectionProperty(ccd.Name, property.Ok, true), "")
	assert.NoError(t, err)

	tr.AssertNotCalled(t, "ConnectDevice", mock.Anything, mock.Anything)
	assert.True(t, m.session.Connected(ccd.Name))
	assert.Equal(t, 1, countMessages(hook, "Device is already connected"))
	assert.Equal(t, 1, rec.count())
}

func TestConfigDefinePolicy(t *testing.T) {
	m, tr, _ := newTestManager(t, Config{})
	rec := &recorder{}
	require.NoError(t, m.SetDispatchHandler(rec.handle))

	tr.On("ChangeSwitchProperty", m.client, ccd.Name, property.Config,
		[]string{property.ConfigLoad, property.ConfigSave, property.ConfigRemove},
		[]bool{false, true, false}).Return(nil).Once()

	p := &bus.Property{
		Device: ccd.Name,
		Name:   property.Config,
		Type:   property.KindSwitch,
		Rule:   property.AtMostOne,
		Items:  []bus.Item{{Name: property.ConfigLoad}, {Name: property.ConfigSave}, {Name: property.ConfigRemove}},
	}
	assert.NoError(t, m.client.OnDefineProperty(ccd, p, ""))
	assert.Equal(t, 1, rec.count())
}

func TestImageFormatDefineSelectsFITS(t *testing.T) {
	m, tr, _ := newTestManager(t, Config{})
	require.NoError(t, m.SetDispatchHandler(func(Action, *property.Vector) error { return nil }))

	tr.On("ChangeSwitchProperty", m.client, ccd.Name, property.CCDImageFormat,
		[]string{property.FormatFITS}, []bool{true}).Return(nil).Once()

	p := &bus.Property{
		Device: ccd.Name,
		Name:   property.CCDImageFormat,
		Type:   property.KindSwitch,
		Rule:   property.OneOfMany,
		Items:  []bus.Item{{Name: property.FormatRaw, Switch: true}, {Name: property.FormatFITS}},
	}
	assert.NoError(t, m.client.OnDefineProperty(ccd, p, ""))
}

func TestImageDefineEnablesBlobs(t *testing.T) {
	tests := []struct {
		name    string
		version bus.Version
		mode    bus.BlobMode
	}{
		{"Legacy device", bus.Version1_7, bus.BlobAlso},
		{"Version 2.0 device", bus.Version2_0, bus.BlobURL},
		{"Newer device", bus.Version(0x201), bus.BlobURL},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, tr, _ := newTestManager(t, Config{})
			require.NoError(t, m.SetDispatchHandler(func(Action, *property.Vector) error { return nil }))

			dev := bus.Device{Name: ccd.Name, Version: tc.version}
			p := imageProperty(ccd.Name, property.Idle, nil, 0)
			tr.On("EnableBlob", m.client, p, tc.mode).Return(nil).Once()

			assert.NoError(t, m.client.OnDefineProperty(dev, p, ""))
		})
	}
}

func TestConnectionUpdateTransitions(t *testing.T) {
	m, _, hook := newTestManager(t, Config{})
	rec := &recorder{}
	require.NoError(t, m.SetDispatchHandler(rec.handle))

	update := func(state property.State, connected bool) {
		require.NoError(t, m.client.OnUpdateProperty(ccd, connectionProperty(ccd.Name, state, connected), ""))
	}

	update(property.Busy, true)
	assert.False(t, m.session.Connected(ccd.Name))
	assert.Equal(t, 1, rec.count(), "busy connection updates are forwarded")

	update(property.Ok, true)
	update(property.Ok, true)
	assert.True(t, m.session.Connected(ccd.Name))
	assert.Equal(t, 1, countMessages(hook, "Device connected"))

	update(property.Ok, false)
	update(property.Ok, false)
	assert.False(t, m.session.Connected(ccd.Name))
	assert.Equal(t, 1, countMessages(hook, "Device disconnected"))

	update(property.Alert, false)
	assert.Equal(t, StatusFailed, m.session.Status(ccd.Name))
	assert.Equal(t, 2, rec.count(), "ok connection updates are not forwarded")
}

func TestImageDelivery(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	rec := &recorder{}
	require.NoError(t, m.SetDispatchHandler(rec.handle))

	var images [][]byte
	require.NoError(t, m.SetShotHandler(func(image []byte) error {
		images = append(images, image)
		return nil
	}))

	buf := []byte("SIMPLE  =    T\x00\x00\x00")
	require.NoError(t, m.client.OnUpdateProperty(ccd, imageProperty(ccd.Name, property.Ok, buf, 14), ""))
	require.Len(t, images, 1)
	assert.Len(t, images[0], 14)

	// The bus may reuse its buffer once the callback returns.
	buf[0] = 'X'
	assert.Equal(t, byte('S'), images[0][0])

	require.NoError(t, m.client.OnUpdateProperty(ccd, imageProperty(ccd.Name, property.Ok, nil, 0), ""))
	require.NoError(t, m.client.OnUpdateProperty(ccd, imageProperty(ccd.Name, property.Busy, buf, 14), ""))
	assert.Len(t, images, 1)
	assert.Equal(t, 1, rec.count(), "only the busy event is forwarded")
}

func TestEmptyImageIsNotDelivered(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	calls := 0
	require.NoError(t, m.SetShotHandler(func(image []byte) error {
		calls++
		return nil
	}))

	require.NoError(t, m.client.OnUpdateProperty(ccd, imageProperty(ccd.Name, property.Ok, []byte{}, 0), ""))
	assert.Zero(t, calls)
}

func TestImageWithoutShotHandlerIsForwarded(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	rec := &recorder{}
	require.NoError(t, m.SetDispatchHandler(rec.handle))

	require.NoError(t, m.client.OnUpdateProperty(ccd, imageProperty(ccd.Name, property.Ok, []byte{1, 2, 3}, 3), ""))
	require.Equal(t, 1, rec.count())

	blob, ok := rec.vectors[0].Blob()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, blob.Data)
	assert.Equal(t, ".fits", blob.Format)
}

func TestHandlerReplacement(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	a, b := &recorder{}, &recorder{}

	require.NoError(t, m.SetDispatchHandler(a.handle))
	require.NoError(t, m.SetDispatchHandler(b.handle))
	require.NoError(t, m.client.OnUpdateProperty(ccd, gainProperty(ccd.Name, 5), ""))

	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())

	assert.ErrorIs(t, m.SetDispatchHandler(nil), ErrInvalidCallback)
	assert.ErrorIs(t, m.SetShotHandler(nil), ErrInvalidCallback)
}

func TestHandlerFailuresAreContained(t *testing.T) {
	errs := make(chan error, 4)
	m, _, hook := newTestManager(t, Config{HandlerErrors: errs})

	failure := errors.New("handler failure")
	require.NoError(t, m.SetDispatchHandler(func(Action, *property.Vector) error {
		return failure
	}))
	assert.NoError(t, m.client.OnUpdateProperty(ccd, gainProperty(ccd.Name, 5), ""))
	assert.ErrorIs(t, <-errs, failure)

	require.NoError(t, m.SetDispatchHandler(func(Action, *property.Vector) error {
		panic("boom")
	}))
	assert.NotPanics(t, func() {
		assert.NoError(t, m.client.OnUpdateProperty(ccd, gainProperty(ccd.Name, 5), ""))
	})
	assert.ErrorContains(t, <-errs, "boom")
	assert.Equal(t, 1, countMessages(hook, "dispatch handler failed: handler failure"))

	// The lock is released after a panic.
	require.NoError(t, m.SetDispatchHandler(func(Action, *property.Vector) error { return nil }))
	assert.NoError(t, m.client.OnUpdateProperty(ccd, gainProperty(ccd.Name, 5), ""))
}

func TestMissingDispatchHandler(t *testing.T) {
	errs := make(chan error, 1)
	m, _, hook := newTestManager(t, Config{HandlerErrors: errs})

	assert.NoError(t, m.client.OnUpdateProperty(ccd, gainProperty(ccd.Name, 5), ""))
	assert.ErrorIs(t, <-errs, ErrNoHandlerRegistered)
	assert.Equal(t, 1, countMessages(hook, "No dispatch handler registered, update event for CCD Imager Simulator.CCD_GAIN lost"))
}

func TestUnknownKindIsDropped(t *testing.T) {
	m, _, hook := newTestManager(t, Config{})
	rec := &recorder{}
	require.NoError(t, m.SetDispatchHandler(rec.handle))

	p := gainProperty(ccd.Name, 1)
	p.Type = property.Kind(42)
	assert.NoError(t, m.client.OnUpdateProperty(ccd, p, ""))
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 1, countMessages(hook, "Dropping update event for CCD Imager Simulator.CCD_GAIN: unknown property kind 42"))
}

func TestVectorContents(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	rec := &recorder{}
	require.NoError(t, m.SetDispatchHandler(rec.handle))

	require.NoError(t, m.client.OnUpdateProperty(ccd, gainProperty(ccd.Name, 120), ""))
	require.Equal(t, 1, rec.count())

	v := rec.vectors[0]
	assert.Equal(t, ActionUpdate, rec.actions[0])
	assert.Equal(t, ccd.Name, v.Device)
	assert.Equal(t, property.CCDGain, v.Name)
	assert.Equal(t, property.KindNumber, v.Kind)
	require.Len(t, v.Items, 1)
	assert.Equal(t, property.NumberValue{Value: 120, Max: 500, Step: 1}, v.Items[0].Value)
}

func TestNotifyDispatchMode(t *testing.T) {
	m, _, _ := newTestManager(t, Config{Dispatch: DispatchNotify})
	rec := &recorder{}
	require.NoError(t, m.SetDispatchHandler(rec.handle))

	require.NoError(t, m.client.OnUpdateProperty(ccd, gainProperty(ccd.Name, 120), ""))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, property.CCDGain, rec.vectors[0].Name)
	assert.Empty(t, rec.vectors[0].Items)
}

func TestDeleteForgetsDevice(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	rec := &recorder{}
	require.NoError(t, m.SetDispatchHandler(rec.handle))

	require.NoError(t, m.client.OnUpdateProperty(ccd, connectionProperty(ccd.Name, property.Ok, true), ""))
	require.True(t, m.session.Connected(ccd.Name))

	require.NoError(t, m.client.OnDeleteProperty(ccd, &bus.Property{Device: ccd.Name}, ""))
	assert.False(t, m.session.Connected(ccd.Name))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, ActionDelete, rec.actions[0])
	assert.Equal(t, ccd.Name, rec.vectors[0].Device)
}

func TestHandlerMayIssueCommands(t *testing.T) {
	m, tr, _ := newTestManager(t, Config{DeviceName: ccd.Name})
	m.session.setState(StateDriverLoaded)

	tr.On("ChangeNumberProperty", m.client, ccd.Name, property.CCDGain, []string{property.Gain}, []float64{100}).Return(nil)
	tr.On("ChangeNumberProperty", m.client, ccd.Name, property.CCDExposure, []string{property.Exposure}, []float64{2}).Return(nil)

	var calls sync.WaitGroup
	calls.Add(2)
	require.NoError(t, m.SetDispatchHandler(func(action Action, v *property.Vector) error {
		defer calls.Done()
		if err := m.SetGain(100, ""); err != nil {
			return err
		}
		if err := m.SetShotHandler(func([]byte) error { return nil }); err != nil {
			return err
		}
		return m.TakeShot(2, "")
	}))

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = m.client.OnUpdateProperty(ccd, gainProperty(ccd.Name, 1), "")
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch deadlocked")
	}
	calls.Wait()
	tr.AssertNumberOfCalls(t, "ChangeNumberProperty", 4)
}
