package client

import (
	log "github.com/sirupsen/logrus"
)

// Mode selects which devices the client handles.
type Mode int

const (
	// ModeGeneral forwards the events of every device.
	ModeGeneral Mode = iota
	// ModeSingleDevice ignores events from devices other than Config.DeviceName.
	ModeSingleDevice
)

func (m Mode) String() string {
	if m == ModeSingleDevice {
		return "single"
	}
	return "general"
}

// ParseMode accepts "general" and "single".
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "general", "":
		return ModeGeneral, true
	case "single":
		return ModeSingleDevice, true
	default:
		return ModeGeneral, false
	}
}

// DispatchMode selects how much of a property reaches the dispatch handler.
type DispatchMode int

const (
	// DispatchFull delivers the vector with all its items.
	DispatchFull DispatchMode = iota
	// DispatchNotify delivers only the vector header, without items.
	DispatchNotify
)

const defaultClientName = "indigo-client"

type Config struct {
	Name       string // client name on the bus
	Mode       Mode
	DeviceName string
	Dispatch   DispatchMode

	LogMessages bool // log messages sent along with events
	LogAlerts   bool // warn about properties entering the Alert state

	// HandlerErrors receives errors returned or raised by handlers. Sends
	// never block; errors are dropped when the channel is full.
	HandlerErrors chan<- error
}

// LevelForVerbosity maps a verbosity between 0 and 3 to a log level.
func LevelForVerbosity(n int) log.Level {
	switch n {
	case 1:
		return log.InfoLevel
	case 2:
		return log.DebugLevel
	case 3:
		return log.TraceLevel
	default:
		return log.ErrorLevel
	}
}
