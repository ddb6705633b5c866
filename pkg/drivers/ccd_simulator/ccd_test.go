package ccd_simulator

import (
	"bytes"
	"context"
	"indigo/pkg/bus/local"
	"indigo/pkg/client"
	"indigo/pkg/property"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "indigo.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStoreDefaults(t *testing.T) {
	db := openDB(t)

	st, err := NewStore(db)
	require.NoError(t, err)

	cfg, err := st.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultConfig, cfg)

	cfg.Gain = 42
	require.NoError(t, st.SetConfig(cfg))

	// Defaults do not overwrite a saved config.
	st, err = NewStore(db)
	require.NoError(t, err)
	got, err := st.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, 42.0, got.Gain)

	require.NoError(t, st.RemoveConfig())
	_, err = st.GetConfig()
	assert.Error(t, err)
}

func TestRenderFITS(t *testing.T) {
	frame := renderFITS(nil, 16, 8, 1.5, 100, time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC))

	assert.Zero(t, len(frame)%fitsBlock)
	assert.True(t, bytes.HasPrefix(frame, []byte("SIMPLE  =                    T")))
	header := string(frame[:fitsBlock])
	assert.Contains(t, header, "NAXIS1  =                   16")
	assert.Contains(t, header, "DATE-OBS= '2024-05-01T22:00:00'")
	assert.Contains(t, header, "END"+strings.Repeat(" ", 77))

	// The buffer is reused when large enough.
	again := renderFITS(frame, 16, 8, 1.5, 100, time.Now())
	assert.Equal(t, len(frame), len(again))
	assert.Same(t, &frame[0], &again[0])
}

func TestSimulatorSession(t *testing.T) {
	db := openDB(t)
	logger, _ := test.NewNullLogger()

	b := local.New(logger)
	var sim *CCDSimulator
	b.Register(DriverName, func() (local.Driver, error) {
		var err error
		sim, err = NewCCDSimulator(db, logger.WithField("device", "ccd"))
		return sim, err
	})

	m := client.NewManager(b, client.Config{Mode: client.ModeSingleDevice, DeviceName: DeviceName}, logger)
	router := client.NewRouter()
	require.NoError(t, m.SetDispatchHandler(router.Dispatch))

	gains := make(chan float64, 8)
	router.Handle(client.Filter{Actions: []client.Action{client.ActionUpdate}, Name: property.CCDGain},
		func(_ client.Action, v *property.Vector) error {
			gain, _ := v.Number(property.Gain)
			gains <- gain
			return nil
		})

	require.NoError(t, m.Setup())
	require.NoError(t, m.LoadDriver(DriverName))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Session().WaitStatus(ctx, DeviceName, client.StatusConnected))

	images := make(chan []byte, 1)
	require.NoError(t, m.TakeShot(0.01, "", func(image []byte) error {
		images <- image
		return nil
	}))

	select {
	case image := <-images:
		assert.True(t, bytes.HasPrefix(image, []byte("SIMPLE")))
		assert.Zero(t, len(image)%fitsBlock)
		assert.Greater(t, len(image), 320*240*2)
	case <-ctx.Done():
		t.Fatal("no image delivered")
	}

	require.NoError(t, m.SetGain(250, ""))
	select {
	case gain := <-gains:
		assert.Equal(t, 250.0, gain)
	case <-ctx.Done():
		t.Fatal("no gain update")
	}

	// The client selected FITS and asked the driver to save its config.
	formats := sim.Properties(DeviceName, property.CCDImageFormat)
	require.Len(t, formats, 1)
	assert.True(t, formats[0].Switch(property.FormatFITS))
	assert.False(t, formats[0].Switch(property.FormatRaw))

	assert.ErrorIs(t, m.UnloadDriver(), client.ErrDeviceConnected)

	require.NoError(t, m.DisconnectDevice(""))
	require.NoError(t, m.WaitDisconnected(ctx, ""))
	assert.Equal(t, client.StateDeviceDisconnected, m.State())

	require.NoError(t, m.UnloadDriver())
	require.NoError(t, m.Cleanup())
	assert.Equal(t, client.StateStopped, m.State())
}

func TestChangeRequiresConnection(t *testing.T) {
	db := openDB(t)
	logger, _ := test.NewNullLogger()

	sim, err := NewCCDSimulator(db, logger)
	require.NoError(t, err)

	err = sim.Change(local.Change{
		Device:  DeviceName,
		Name:    property.CCDExposure,
		Type:    property.KindNumber,
		Items:   []string{property.Exposure},
		Numbers: []float64{1},
	})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Len(t, sim.Properties("", ""), 3)
	assert.Empty(t, sim.Properties("Other", ""))
}
