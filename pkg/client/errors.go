package client

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCallback     = errors.New("callback must be a non-nil function")
	ErrNoHandlerRegistered = errors.New("no handler registered")
	ErrInvalidState        = errors.New("operation not allowed in current state")
	ErrNotRunning          = errors.New("client is not attached to a running bus")
	ErrDriverLoaded        = errors.New("a driver is already loaded")
	ErrNoDriver            = errors.New("no driver loaded")
	ErrDeviceConnected     = errors.New("device is still connected, disconnect it first")
)

// DriverLoadError is returned when the bus refuses to load a driver.
type DriverLoadError struct {
	Path string
	Err  error
}

func (e *DriverLoadError) Error() string {
	return fmt.Sprintf("failed to load driver %s: %v", e.Path, e.Err)
}

func (e *DriverLoadError) Unwrap() error {
	return e.Err
}
