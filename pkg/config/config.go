// Package config loads the process configuration from a YAML file with
// INDIGO_* environment overrides.
package config

import (
	"fmt"
	"indigo/pkg/bus/mqttbus"
	"indigo/pkg/client"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	BusLocal = "local"
	BusMQTT  = "mqtt"
)

type Config struct {
	Bus      string         `yaml:"bus"`
	MQTT     mqttbus.Config `yaml:"mqtt"`
	Client   ClientConfig   `yaml:"client"`
	Control  ControlConfig  `yaml:"control"`
	Database DatabaseConfig `yaml:"database"`
	Images   ImagesConfig   `yaml:"images"`
}

type ClientConfig struct {
	Name        string `yaml:"name"`
	Mode        string `yaml:"mode"`     // general or single
	Device      string `yaml:"device"`   // device handled in single mode
	Driver      string `yaml:"driver"`   // driver loaded at startup
	Dispatch    string `yaml:"dispatch"` // full or notify
	Verbosity   int    `yaml:"verbosity"`
	LogMessages bool   `yaml:"log_messages"`
	LogAlerts   bool   `yaml:"log_alerts"`
}

type ControlConfig struct {
	Enabled   bool `yaml:"enabled"`
	Port      int  `yaml:"port"`
	Discovery bool `yaml:"discovery"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ImagesConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Bus: BusLocal,
		MQTT: mqttbus.Config{
			Broker:    "tcp://localhost:1883",
			TopicRoot: "indigo",
		},
		Client: ClientConfig{
			Name:      "indigo-client",
			Mode:      "single",
			Device:    "CCD Imager Simulator",
			Driver:    "indigo_ccd_simulator",
			Dispatch:  "full",
			Verbosity: 1,
			LogAlerts: true,
		},
		Control: ControlConfig{
			Enabled:   true,
			Port:      8080,
			Discovery: true,
		},
		Database: DatabaseConfig{
			Path: "indigo.db",
		},
		Images: ImagesConfig{
			Dir: "images",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"INDIGO_BUS":           &cfg.Bus,
		"INDIGO_DEVICE":        &cfg.Client.Device,
		"INDIGO_DRIVER":        &cfg.Client.Driver,
		"INDIGO_MODE":          &cfg.Client.Mode,
		"INDIGO_MQTT_BROKER":   &cfg.MQTT.Broker,
		"INDIGO_MQTT_USERNAME": &cfg.MQTT.Username,
		"INDIGO_MQTT_PASSWORD": &cfg.MQTT.Password,
		"INDIGO_DB_PATH":       &cfg.Database.Path,
		"INDIGO_IMAGES_DIR":    &cfg.Images.Dir,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("INDIGO_VERBOSITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INDIGO_VERBOSITY: %w", err)
		}
		cfg.Client.Verbosity = n
	}
	if v := os.Getenv("INDIGO_CONTROL_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INDIGO_CONTROL_PORT: %w", err)
		}
		cfg.Control.Port = n
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Bus {
	case BusLocal:
	case BusMQTT:
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required for the mqtt bus")
		}
		if c.MQTT.TopicRoot == "" {
			errs = append(errs, "mqtt.topic_root is required for the mqtt bus")
		}
	default:
		errs = append(errs, fmt.Sprintf("bus must be %s or %s, got %q", BusLocal, BusMQTT, c.Bus))
	}

	mode, ok := client.ParseMode(c.Client.Mode)
	if !ok {
		errs = append(errs, fmt.Sprintf("client.mode must be general or single, got %q", c.Client.Mode))
	}
	if ok && mode == client.ModeSingleDevice && c.Client.Device == "" {
		errs = append(errs, "client.device is required in single mode")
	}
	if _, ok := parseDispatch(c.Client.Dispatch); !ok {
		errs = append(errs, fmt.Sprintf("client.dispatch must be full or notify, got %q", c.Client.Dispatch))
	}
	if c.Client.Verbosity < 0 || c.Client.Verbosity > 3 {
		errs = append(errs, "client.verbosity must be between 0 and 3")
	}

	if c.Control.Enabled && (c.Control.Port < 1 || c.Control.Port > 65535) {
		errs = append(errs, "control.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func parseDispatch(s string) (client.DispatchMode, bool) {
	switch s {
	case "full", "":
		return client.DispatchFull, true
	case "notify":
		return client.DispatchNotify, true
	default:
		return client.DispatchFull, false
	}
}

// ManagerConfig converts the client section for client.NewManager. The
// configuration is assumed valid.
func (c *Config) ManagerConfig() client.Config {
	mode, _ := client.ParseMode(c.Client.Mode)
	dispatch, _ := parseDispatch(c.Client.Dispatch)

	return client.Config{
		Name:        c.Client.Name,
		Mode:        mode,
		DeviceName:  c.Client.Device,
		Dispatch:    dispatch,
		LogMessages: c.Client.LogMessages,
		LogAlerts:   c.Client.LogAlerts,
	}
}
