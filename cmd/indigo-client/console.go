package main

import (
	"context"
	"fmt"
	"indigo/pkg/client"
	"indigo/pkg/property"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
)

// console is the interactive command loop.
type console struct {
	m  *client.Manager
	rl *readline.Instance
}

func newConsole(m *client.Manager) (*console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "indigo> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &console{m: m, rl: rl}, nil
}

// Stderr coordinates log output with the prompt.
func (c *console) Stderr() io.Writer {
	return c.rl.Stderr()
}

func (c *console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	out := c.rl.Stdout()
	printHelp(out)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(out, "Exiting...")
			cancel()
			return
		}

		if quit := execute(c.m, out, line); quit {
			cancel()
			return
		}
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, `
Commands:
  shot <seconds>                 - Start an exposure on the device
  gain <value>                   - Set the CCD gain
  disconnect                     - Disconnect the device
  status                         - Show the session and device state
  verbosity <0-3>                - Set the log verbosity
  set <property> <item>=<value>  - Change a property of the device
  help                           - Show this help
  quit                           - Exit`)
}

// execute runs one command line and reports whether to quit.
func execute(m *client.Manager, out io.Writer, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		printHelp(out)

	case "shot", "s":
		var exposure float64
		if exposure, err = floatArg(args, "shot <seconds>"); err == nil {
			err = m.TakeShot(exposure, "")
		}

	case "gain", "g":
		var gain float64
		if gain, err = floatArg(args, "gain <value>"); err == nil {
			err = m.SetGain(gain, "")
		}

	case "disconnect":
		err = m.DisconnectDevice("")

	case "status":
		printStatus(m, out)

	case "verbosity", "v":
		var n int
		if len(args) != 1 {
			err = fmt.Errorf("usage: verbosity <0-3>")
		} else if n, err = strconv.Atoi(args[0]); err == nil {
			fmt.Fprintf(out, "Log level %s\n", m.SetLogVerbosity(n))
		}

	case "set":
		var v *property.Vector
		if v, err = parseSet(m.Session().DeviceName(), args); err == nil {
			err = m.SetProperty(v)
		}

	case "quit", "exit", "q":
		fmt.Fprintln(out, "Exiting...")
		return true

	default:
		fmt.Fprintf(out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return false
}

func floatArg(args []string, usage string) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	return strconv.ParseFloat(args[0], 64)
}

func printStatus(m *client.Manager, out io.Writer) {
	session := m.Session()
	driver := "none"
	if h := session.Driver(); h != nil {
		driver = h.Name()
	}

	fmt.Fprintf(out, "State:  %s\n", m.State())
	fmt.Fprintf(out, "Driver: %s\n", driver)
	fmt.Fprintf(out, "Device: %s\n", session.DeviceName())
	for _, dev := range session.Devices() {
		fmt.Fprintf(out, "  %-30s %s\n", dev, session.Status(dev))
	}
}

// parseSet builds a vector from "<property> <item>=<value>...". Values that
// are all on/off make a switch vector, all numeric a number vector,
// anything else a text vector.
func parseSet(device string, args []string) (*property.Vector, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("usage: set <property> <item>=<value> ...")
	}

	names := make([]string, 0, len(args)-1)
	values := make([]string, 0, len(args)-1)
	for _, arg := range args[1:] {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid item %q, want <item>=<value>", arg)
		}
		names = append(names, name)
		values = append(values, value)
	}

	kind := property.KindText
	switch {
	case all(values, isSwitch):
		kind = property.KindSwitch
	case all(values, isNumber):
		kind = property.KindNumber
	}

	v, err := property.New(device, args[0], kind, property.Idle, property.ReadWrite)
	if err != nil {
		return nil, err
	}

	for i, name := range names {
		var item property.Item
		switch kind {
		case property.KindSwitch:
			item = property.Switch(name, name, values[i] == "on")
		case property.KindNumber:
			n, _ := strconv.ParseFloat(values[i], 64)
			item = property.Number(name, name, n)
		default:
			item = property.Text(name, name, values[i])
		}
		if err := v.AddItem(item); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func all(values []string, fn func(string) bool) bool {
	for _, v := range values {
		if !fn(v) {
			return false
		}
	}
	return true
}

func isSwitch(s string) bool {
	return s == "on" || s == "off"
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
