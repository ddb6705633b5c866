package main

import (
	"bytes"
	"indigo/pkg/bus/local"
	"indigo/pkg/client"
	"indigo/pkg/control"
	"indigo/pkg/property"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSet(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		kind    property.Kind
		wantErr bool
	}{
		{"switch", []string{"CCD_COOLER", "ON=on", "OFF=off"}, property.KindSwitch, false},
		{"number", []string{"CCD_GAIN", "GAIN=120"}, property.KindNumber, false},
		{"text", []string{"DEVICE_PORT", "PORT=/dev/ttyUSB0"}, property.KindText, false},
		{"mixed values are text", []string{"X", "A=1", "B=on"}, property.KindText, false},
		{"no items", []string{"CCD_GAIN"}, 0, true},
		{"bad item", []string{"CCD_GAIN", "GAIN"}, 0, true},
		{"empty item name", []string{"CCD_GAIN", "=3"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseSet("Camera", tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Camera", v.Device)
			assert.Equal(t, tt.args[0], v.Name)
			assert.Equal(t, tt.kind, v.Kind)
			assert.Len(t, v.Items, len(tt.args)-1)
		})
	}

	v, err := parseSet("Camera", []string{"CCD_GAIN", "GAIN=120.5"})
	require.NoError(t, err)
	gain, ok := v.Number("GAIN")
	assert.True(t, ok)
	assert.Equal(t, 120.5, gain)
}

func TestImagePath(t *testing.T) {
	at := time.Date(2024, 5, 1, 22, 30, 15, 250e6, time.UTC)
	assert.Equal(t,
		filepath.Join("images", "CCD_Imager_Simulator_20240501T223015.250.fits"),
		imagePath("images", "CCD Imager Simulator", at))
}

func TestShotHandlerSavesImage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames")
	images := &control.ImageBuffer{}

	handler := newShotHandler(dir, func() string { return "Camera" }, images)
	require.NoError(t, handler([]byte("SIMPLE")))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, []byte("SIMPLE"), data)

	last := images.Last()
	require.NotNil(t, last)
	assert.Equal(t, "Camera", last.Device)
}

func TestExecute(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := client.NewManager(local.New(logger), client.Config{DeviceName: "Camera"}, logger)

	var out bytes.Buffer
	assert.False(t, execute(m, &out, ""))
	assert.Empty(t, out.String())

	assert.False(t, execute(m, &out, "status"))
	assert.Contains(t, out.String(), "State:  Unstarted")
	assert.Contains(t, out.String(), "Device: Camera")

	out.Reset()
	assert.False(t, execute(m, &out, "shot"))
	assert.Contains(t, out.String(), "usage: shot <seconds>")

	out.Reset()
	assert.False(t, execute(m, &out, "gain 100"))
	assert.Contains(t, out.String(), "Error:")

	out.Reset()
	assert.False(t, execute(m, &out, "verbosity 2"))
	assert.Contains(t, out.String(), "Log level debug")

	out.Reset()
	assert.False(t, execute(m, &out, "frobnicate"))
	assert.Contains(t, out.String(), "Unknown command: frobnicate")

	assert.True(t, execute(m, &out, "quit"))
}
