// Package ccd_simulator is an in-process CCD camera driver producing
// synthetic FITS frames.
package ccd_simulator

import (
	"errors"
	"fmt"
	"indigo/pkg/bus"
	"indigo/pkg/bus/local"
	"indigo/pkg/property"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	DriverName    = "indigo_ccd_simulator"
	DeviceName    = "CCD Imager Simulator"
	deviceVersion = bus.Version2_0
	maxExposure   = 3600
)

var ErrNotConnected = errors.New("device not connected")

// CCDSimulator implements local.Driver for a single simulated camera.
type CCDSimulator struct {
	logger log.FieldLogger
	store  *store
	device bus.Device

	mu        sync.Mutex
	host      local.Host
	config    CCDConfig
	connected bool
	exposing  int // sequence number of the running exposure, 0 if idle
	seq       int
	timer     *time.Timer
	frame     []byte // reused between exposures

	connection *bus.Property
	info       *bus.Property
	cfgProp    *bus.Property
	exposure   *bus.Property
	abort      *bus.Property
	gain       *bus.Property
	format     *bus.Property
	image      *bus.Property
}

func mustProperty(schema property.Schema, perm property.Perm, items ...property.Item) *bus.Property {
	v, err := schema.Vector(DeviceName, items...)
	if err != nil {
		panic(fmt.Sprintf("ccd simulator: %v", err))
	}
	v.Perm = perm
	return bus.FromVector(v)
}

func NewCCDSimulator(db *bolt.DB, logger log.FieldLogger) (*CCDSimulator, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	config, err := store.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get ccd config: %v", err)
	}

	d := CCDSimulator{
		logger: logger,
		store:  store,
		config: config,
		device: bus.Device{Name: DeviceName, Version: deviceVersion},
	}

	d.connection = mustProperty(property.ConnectionSchema, property.ReadWrite,
		property.Switch(property.Connected, "Connected", false),
		property.Switch(property.Disconnected, "Disconnected", true))
	d.connection.State = property.Ok

	d.info = mustProperty(property.InfoSchema, property.ReadOnly,
		property.Text(property.DeviceName, "Name", DeviceName),
		property.Text(property.DeviceVersion, "Version", deviceVersion.String()))
	d.info.State = property.Ok

	d.cfgProp = mustProperty(property.ConfigSchema, property.ReadWrite,
		property.Switch(property.ConfigLoad, "Load", false),
		property.Switch(property.ConfigSave, "Save", false),
		property.Switch(property.ConfigRemove, "Remove", false))
	d.cfgProp.State = property.Ok

	d.exposure = mustProperty(property.CCDExposureSchema, property.ReadWrite,
		property.NumberRange(property.Exposure, "Start exposure", 0, 0, maxExposure, 0.001))
	d.abort = mustProperty(property.CCDAbortExposureSchema, property.ReadWrite,
		property.Switch(property.AbortExposure, "Abort exposure", false))
	d.gain = mustProperty(property.CCDGainSchema, property.ReadWrite,
		property.NumberRange(property.Gain, "Gain", config.Gain, 0, config.MaxGain, 1))
	d.format = mustProperty(property.CCDImageFormatSchema, property.ReadWrite,
		property.Switch(property.FormatRaw, "Raw data", true),
		property.Switch(property.FormatFITS, "FITS format", false))
	d.image = mustProperty(property.CCDImageSchema, property.ReadOnly,
		property.Blob(property.Image, "Image data", nil, ""))

	return &d, nil
}

func (d *CCDSimulator) Name() string {
	return DriverName
}

func (d *CCDSimulator) Devices() []bus.Device {
	return []bus.Device{d.device}
}

func (d *CCDSimulator) Attach(h local.Host) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.host = h
	d.logger.Infof("%s attached", DeviceName)

	for _, p := range d.baseProperties() {
		h.Define(d.device, p, "")
	}
	return nil
}

func (d *CCDSimulator) Detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopExposure()
	d.connected = false
	if d.host != nil {
		d.host.Delete(d.device, &bus.Property{Device: DeviceName}, "")
	}
	d.logger.Infof("%s detached", DeviceName)
	return nil
}

func (d *CCDSimulator) baseProperties() []*bus.Property {
	return []*bus.Property{d.connection, d.info, d.cfgProp}
}

func (d *CCDSimulator) ccdProperties() []*bus.Property {
	return []*bus.Property{d.exposure, d.abort, d.gain, d.format, d.image}
}

func (d *CCDSimulator) Properties(device, name string) []*bus.Property {
	d.mu.Lock()
	defer d.mu.Unlock()

	if device != "" && device != DeviceName {
		return nil
	}

	props := d.baseProperties()
	if d.connected {
		props = append(props, d.ccdProperties()...)
	}

	var out []*bus.Property
	for _, p := range props {
		if name == "" || p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

func (d *CCDSimulator) Change(req local.Change) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Name {
	case property.Connection:
		return d.changeConnection(req)
	case property.Config:
		return d.changeConfig(req)
	}

	if !d.connected {
		return ErrNotConnected
	}

	switch req.Name {
	case property.CCDExposure:
		return d.startExposure(req)
	case property.CCDAbortExposure:
		return d.abortExposure(req)
	case property.CCDGain:
		return d.changeGain(req)
	case property.CCDImageFormat:
		return d.changeFormat(req)
	default:
		return fmt.Errorf("unknown property %s", req.Name)
	}
}

func setSwitch(p *bus.Property, name string, on bool) {
	for i := range p.Items {
		if p.Items[i].Name == name {
			p.Items[i].Switch = on
		}
	}
}

func (d *CCDSimulator) changeConnection(req local.Change) error {
	connect, ok := req.Switch(property.Connected)
	if !ok {
		if disconnect, ok := req.Switch(property.Disconnected); ok {
			connect = !disconnect
		}
	}

	if connect == d.connected {
		d.host.Update(d.device, d.connection, "")
		return nil
	}

	d.connected = connect
	setSwitch(d.connection, property.Connected, connect)
	setSwitch(d.connection, property.Disconnected, !connect)
	d.connection.State = property.Ok

	if connect {
		for _, p := range d.ccdProperties() {
			d.host.Define(d.device, p, "")
		}
		d.host.Update(d.device, d.connection, "")
		d.logger.Infof("%s connected", DeviceName)
		return nil
	}

	d.stopExposure()
	for _, p := range d.ccdProperties() {
		d.host.Delete(d.device, p, "")
	}
	d.host.Update(d.device, d.connection, "")
	d.logger.Infof("%s disconnected", DeviceName)
	return nil
}

func (d *CCDSimulator) changeConfig(req local.Change) error {
	d.cfgProp.State = property.Ok

	switch {
	case d.requested(req, property.ConfigLoad):
		cfg, err := d.store.GetConfig()
		if err != nil {
			d.cfgProp.State = property.Alert
			break
		}
		d.config = cfg
		d.setGainValue(cfg.Gain)
	case d.requested(req, property.ConfigSave):
		d.config.Gain = d.gain.Items[0].Number
		if err := d.store.SetConfig(d.config); err != nil {
			d.logger.Errorf("Failed to save config: %v", err)
			d.cfgProp.State = property.Alert
		}
	case d.requested(req, property.ConfigRemove):
		if err := d.store.RemoveConfig(); err != nil {
			d.logger.Errorf("Failed to remove config: %v", err)
			d.cfgProp.State = property.Alert
		}
	}

	// The switches are momentary.
	for i := range d.cfgProp.Items {
		d.cfgProp.Items[i].Switch = false
	}
	d.host.Update(d.device, d.cfgProp, "")
	return nil
}

func (d *CCDSimulator) requested(req local.Change, item string) bool {
	on, ok := req.Switch(item)
	return ok && on
}

func (d *CCDSimulator) setGainValue(gain float64) {
	gain = max(d.gain.Items[0].Min, min(gain, d.gain.Items[0].Max))
	d.gain.Items[0].Number = gain
	d.gain.Items[0].Target = gain
}

func (d *CCDSimulator) changeGain(req local.Change) error {
	gain, ok := req.Number(property.Gain)
	if !ok {
		return fmt.Errorf("%s missing %s item", property.CCDGain, property.Gain)
	}
	d.setGainValue(gain)
	d.gain.State = property.Ok
	d.host.Update(d.device, d.gain, "")
	return nil
}

func (d *CCDSimulator) changeFormat(req local.Change) error {
	for i, name := range req.Items {
		if i >= len(req.Switches) || !req.Switches[i] {
			continue
		}
		if name != property.FormatFITS && name != property.FormatRaw {
			d.format.State = property.Alert
			d.host.Update(d.device, d.format, fmt.Sprintf("Format %s not supported", name))
			return nil
		}
		for j := range d.format.Items {
			d.format.Items[j].Switch = d.format.Items[j].Name == name
		}
	}
	d.format.State = property.Ok
	d.host.Update(d.device, d.format, "")
	return nil
}

func (d *CCDSimulator) startExposure(req local.Change) error {
	exposure, ok := req.Number(property.Exposure)
	if !ok {
		return fmt.Errorf("%s missing %s item", property.CCDExposure, property.Exposure)
	}
	if exposure < 0 || exposure > maxExposure {
		d.exposure.State = property.Alert
		d.host.Update(d.device, d.exposure, fmt.Sprintf("Exposure %g out of range", exposure))
		return nil
	}
	if d.exposing != 0 {
		d.exposure.State = property.Alert
		d.host.Update(d.device, d.exposure, "Exposure already in progress")
		return nil
	}

	d.seq++
	seq := d.seq
	d.exposing = seq

	d.exposure.Items[0].Number = exposure
	d.exposure.Items[0].Target = exposure
	d.exposure.State = property.Busy
	d.host.Update(d.device, d.exposure, "")

	d.image.State = property.Busy
	d.image.Items[0].Blob = nil
	d.image.Items[0].BlobSize = 0
	d.host.Update(d.device, d.image, "")

	start := time.Now()
	gain := d.gain.Items[0].Number
	duration := time.Duration(exposure*float64(time.Second)) + time.Duration(d.config.ReadoutMs)*time.Millisecond
	d.logger.Debugf("Exposure %d started, %v", seq, duration)

	d.timer = time.AfterFunc(duration, func() {
		d.finishExposure(seq, exposure, gain, start)
	})
	return nil
}

func (d *CCDSimulator) finishExposure(seq int, exposure, gain float64, start time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.exposing != seq {
		return
	}
	d.exposing = 0
	d.timer = nil

	d.frame = renderFITS(d.frame, d.config.Width, d.config.Height, exposure, gain, start)

	d.exposure.Items[0].Number = 0
	d.exposure.State = property.Ok
	d.host.Update(d.device, d.exposure, "")

	d.image.Items[0].Blob = d.frame
	d.image.Items[0].BlobSize = len(d.frame)
	d.image.Items[0].BlobFormat = ".fits"
	d.image.State = property.Ok
	d.host.Update(d.device, d.image, "Exposure done")

	d.logger.Debugf("Exposure %d done, %d bytes", seq, len(d.frame))
}

// stopExposure cancels the running exposure, if any.
func (d *CCDSimulator) stopExposure() bool {
	if d.exposing == 0 {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.exposing = 0
	return true
}

func (d *CCDSimulator) abortExposure(req local.Change) error {
	if !d.requested(req, property.AbortExposure) {
		return nil
	}

	if d.stopExposure() {
		d.exposure.Items[0].Number = 0
		d.exposure.State = property.Alert
		d.host.Update(d.device, d.exposure, "Exposure aborted")

		d.image.State = property.Alert
		d.host.Update(d.device, d.image, "")
	}

	d.abort.State = property.Ok
	d.host.Update(d.device, d.abort, "")
	return nil
}
