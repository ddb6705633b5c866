package client

import (
	"fmt"
	"indigo/pkg/bus"
	"indigo/pkg/property"

	log "github.com/sirupsen/logrus"
)

// busClient is the client attached to the bus. It runs the connection,
// configuration and image handshakes of the managed devices and forwards
// everything else to the bridge.
type busClient struct {
	name      string
	cfg       Config
	session   *Session
	transport bus.Transport
	bridge    *bridge
	logger    log.Ext1FieldLogger
}

func (c *busClient) Name() string {
	return c.name
}

// accepts applies device filtering in single-device mode.
func (c *busClient) accepts(device string) bool {
	if c.cfg.Mode != ModeSingleDevice {
		return true
	}
	return device == c.session.DeviceName()
}

func (c *busClient) logMessage(dev bus.Device, message string) {
	if c.cfg.LogMessages && message != "" {
		c.logger.WithField("device", dev.Name).Infof("Message: %s", message)
	}
}

func (c *busClient) OnAttach() error {
	c.logger.Info("Client attached to bus")
	if err := c.transport.EnumerateProperties(c, "", ""); err != nil {
		return fmt.Errorf("failed to enumerate properties: %w", err)
	}
	return nil
}

func (c *busClient) OnDefineProperty(dev bus.Device, p *bus.Property, message string) error {
	if !c.accepts(dev.Name) {
		c.logger.Tracef("Ignoring define of %s.%s", dev.Name, p.Name)
		return nil
	}

	c.session.seen(dev.Name)
	c.logMessage(dev, message)
	logger := c.logger.WithField("device", dev.Name)

	switch p.Name {
	case property.Connection:
		if !p.Switch(property.Connected) {
			c.session.setStatus(dev.Name, StatusDisconnected)
			logger.Info("Connecting device")
			if err := c.transport.ConnectDevice(c, dev.Name); err != nil {
				return fmt.Errorf("failed to connect %s: %w", dev.Name, err)
			}
			return nil
		}
		c.session.setStatus(dev.Name, StatusConnected)
		logger.Info("Device is already connected")

	case property.Config:
		err := c.transport.ChangeSwitchProperty(c, dev.Name, property.Config,
			[]string{property.ConfigLoad, property.ConfigSave, property.ConfigRemove},
			[]bool{false, true, false})
		if err != nil {
			logger.Warnf("Failed to set configuration policy: %v", err)
		}

	case property.CCDImageFormat:
		err := c.transport.ChangeSwitchProperty(c, dev.Name, property.CCDImageFormat,
			[]string{property.FormatFITS}, []bool{true})
		if err != nil {
			logger.Warnf("Failed to select FITS format: %v", err)
		}

	case property.CCDImage:
		mode := bus.BlobAlso
		if dev.Version >= bus.Version2_0 {
			mode = bus.BlobURL
		}
		logger.Debugf("Enabling blob delivery, mode %s (device version %s)", mode, dev.Version)
		if err := c.transport.EnableBlob(c, p, mode); err != nil {
			logger.Errorf("Failed to enable blob delivery: %v", err)
		}
	}

	c.bridge.dispatch(ActionDefine, p)
	return nil
}

func (c *busClient) OnUpdateProperty(dev bus.Device, p *bus.Property, message string) error {
	if !c.accepts(dev.Name) {
		c.logger.Tracef("Ignoring update of %s.%s", dev.Name, p.Name)
		return nil
	}

	c.logMessage(dev, message)
	logger := c.logger.WithField("device", dev.Name)

	if c.cfg.LogAlerts && p.State == property.Alert {
		logger.Warnf("Property %s is in alert state", p.Name)
	}

	switch {
	case p.Name == property.Connection && p.State == property.Ok:
		connected := p.Switch(property.Connected)
		was := c.session.Connected(dev.Name)
		status := StatusDisconnected
		if connected {
			status = StatusConnected
		}
		c.session.setStatus(dev.Name, status)
		if was != connected {
			if connected {
				logger.Info("Device connected")
			} else {
				logger.Info("Device disconnected")
			}
		}
		return nil

	case p.Name == property.Connection && p.State == property.Alert:
		if c.session.setStatus(dev.Name, StatusFailed) {
			logger.Warn("Device connection failed")
		}

	case p.Name == property.CCDImage && p.State == property.Ok:
		shot := c.session.shotHandler()
		if shot == nil {
			break
		}
		if len(p.Items) == 0 || len(p.Items[0].Blob) == 0 {
			logger.Debug("Image event without blob data")
			return nil
		}
		c.bridge.deliverShot(shot, p.Items[0])
		return nil
	}

	c.bridge.dispatch(ActionUpdate, p)
	return nil
}

func (c *busClient) OnDeleteProperty(dev bus.Device, p *bus.Property, message string) error {
	if !c.accepts(dev.Name) {
		return nil
	}

	c.logMessage(dev, message)
	if p.Name == "" || p.Name == property.Connection {
		c.session.forget(dev.Name)
	}

	c.bridge.dispatch(ActionDelete, p)
	return nil
}

func (c *busClient) OnSendMessage(dev bus.Device, message string) error {
	if !c.accepts(dev.Name) {
		return nil
	}
	c.logMessage(dev, message)
	return nil
}

func (c *busClient) OnDetach() error {
	c.logger.Info("Client detached from bus")
	return nil
}
