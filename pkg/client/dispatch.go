package client

import (
	"bytes"
	"fmt"
	"indigo/pkg/bus"
	"indigo/pkg/property"
	"sync"

	log "github.com/sirupsen/logrus"
)

// bridge turns bus events into property vectors and hands them to the
// registered handlers. mu serializes handler invocations; commands never
// take it, so handlers may issue commands.
type bridge struct {
	mu      sync.Mutex
	session *Session
	mode    DispatchMode
	errs    chan<- error
	logger  log.Ext1FieldLogger
}

func newBridge(session *Session, cfg Config, logger log.Ext1FieldLogger) *bridge {
	return &bridge{
		session: session,
		mode:    cfg.Dispatch,
		errs:    cfg.HandlerErrors,
		logger:  logger,
	}
}

// dispatch forwards one event to the dispatch handler. Events with an
// unknown property kind are logged and dropped.
func (b *bridge) dispatch(action Action, p *bus.Property) {
	v, err := buildVector(action, p, b.mode)
	if err != nil {
		b.logger.Errorf("Dropping %s event for %s.%s: %v", action, p.Device, p.Name, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handler := b.session.dispatchHandler()
	if handler == nil {
		b.logger.Errorf("No dispatch handler registered, %s event for %s.%s lost", action, p.Device, p.Name)
		b.report(fmt.Errorf("%s event for %s.%s: %w", action, p.Device, p.Name, ErrNoHandlerRegistered))
		return
	}

	b.logger.Tracef("Dispatching %s %s", action, v)
	b.invoke("dispatch", func() error {
		return handler(action, v)
	})
}

// deliverShot hands a copy of the image blob to the shot handler.
func (b *bridge) deliverShot(handler ShotHandler, it bus.Item) {
	image := copyBlob(it)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Debugf("Delivering image of %d bytes", len(image))
	b.invoke("shot", func() error {
		return handler(image)
	})
}

// invoke runs fn, recovering panics. Handler failures never reach the bus.
func (b *bridge) invoke(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s handler panicked: %v", name, r)
			b.logger.Warn(err)
			b.report(err)
		}
	}()

	if err := fn(); err != nil {
		b.logger.Warnf("%s handler failed: %v", name, err)
		b.report(err)
	}
}

func (b *bridge) report(err error) {
	if b.errs == nil {
		return
	}
	select {
	case b.errs <- err:
	default:
	}
}

// buildVector converts a bus property to a vector. Whole-device delete
// events carry no property and yield a header-only vector.
func buildVector(action Action, p *bus.Property, mode DispatchMode) (*property.Vector, error) {
	if action == ActionDelete && p.Name == "" {
		return &property.Vector{Device: p.Device}, nil
	}

	v, err := property.New(p.Device, p.Name, p.Type, p.State, p.Perm)
	if err != nil {
		return nil, err
	}
	if p.Type == property.KindSwitch {
		v.Rule = p.Rule
	}
	if mode == DispatchNotify {
		return v, nil
	}

	for _, it := range p.Items {
		item := property.Item{Name: it.Name, Label: it.Label, Hints: it.Hints}
		switch p.Type {
		case property.KindText:
			item.Value = property.TextValue(it.Text)
		case property.KindNumber:
			item.Value = property.NumberValue{
				Value:  it.Number,
				Target: it.Target,
				Min:    it.Min,
				Max:    it.Max,
				Step:   it.Step,
				Format: it.Format,
			}
		case property.KindSwitch:
			item.Value = property.SwitchValue(it.Switch)
		case property.KindLight:
			item.Value = property.LightValue(it.Light)
		case property.KindBlob:
			data := copyBlob(it)
			item.Value = property.BlobValue{
				Data:   data,
				Format: it.BlobFormat,
				Size:   len(data),
				URL:    it.BlobURL,
			}
		}
		if err := v.AddItem(item); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// copyBlob copies the reported size of a blob out of the bus buffer.
func copyBlob(it bus.Item) []byte {
	if it.Blob == nil {
		return nil
	}
	size := it.BlobSize
	if size <= 0 || size > len(it.Blob) {
		size = len(it.Blob)
	}
	return bytes.Clone(it.Blob[:size])
}
