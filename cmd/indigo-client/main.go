package main

import (
	"context"
	"errors"
	"fmt"
	"indigo/pkg/bus"
	"indigo/pkg/bus/local"
	"indigo/pkg/bus/mqttbus"
	"indigo/pkg/client"
	"indigo/pkg/config"
	"indigo/pkg/control"
	"indigo/pkg/drivers/ccd_simulator"
	"indigo/pkg/property"
	"indigo/templates"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
)

const shutdownTimeout = 5 * time.Second

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("bus") {
		cfg.Bus = c.String("bus")
	}
	if c.IsSet("db") {
		cfg.Database.Path = c.String("db")
	}
	return cfg, cfg.Validate()
}

// applySettings overlays the settings saved from the setup page. Flags
// given on the command line take precedence.
func applySettings(c *cli.Context, cfg *config.Config, st control.Settings) error {
	cfg.Client.Device = st.DeviceName
	cfg.Client.Driver = st.Driver
	cfg.Client.Mode = st.Mode
	cfg.Images.Dir = st.ImagesDir
	cfg.Client.Verbosity = st.Verbosity

	if c.IsSet("device") {
		cfg.Client.Device = c.String("device")
	}
	if c.IsSet("driver") {
		cfg.Client.Driver = c.String("driver")
	}
	if c.IsSet("mode") {
		cfg.Client.Mode = c.String("mode")
	}
	if c.IsSet("images") {
		cfg.Images.Dir = c.String("images")
	}
	if c.IsSet("verbosity") {
		cfg.Client.Verbosity = c.Int("verbosity")
	}
	if c.IsSet("port") {
		cfg.Control.Port = c.Int("port")
	}
	return cfg.Validate()
}

func settingsFromConfig(cfg *config.Config) control.Settings {
	return control.Settings{
		DeviceName: cfg.Client.Device,
		Driver:     cfg.Client.Driver,
		Mode:       cfg.Client.Mode,
		ImagesDir:  cfg.Images.Dir,
		Verbosity:  cfg.Client.Verbosity,
	}
}

// newLocalBus returns an in-process bus with the bundled drivers.
func newLocalBus(db *bolt.DB, logger *log.Logger) *local.Bus {
	b := local.New(logger)
	b.Register(ccd_simulator.DriverName, func() (local.Driver, error) {
		return ccd_simulator.NewCCDSimulator(db, logger.WithField("device", "ccd_simulator"))
	})
	return b
}

func newTransport(cfg *config.Config, db *bolt.DB, logger *log.Logger) (bus.Transport, func(), error) {
	switch cfg.Bus {
	case config.BusMQTT:
		conn, err := mqttbus.Dial(cfg.MQTT)
		if err != nil {
			return nil, nil, err
		}
		log.Infof("Connected to MQTT broker %s", cfg.MQTT.Broker)
		return mqttbus.New(conn, cfg.MQTT.TopicRoot, logger), func() { conn.Disconnect(250) }, nil
	default:
		return newLocalBus(db, logger), func() {}, nil
	}
}

// imagePath is <dir>/<device>_<timestamp>.fits.
func imagePath(dir, device string, t time.Time) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\', ':':
			return '_'
		}
		return r
	}, device)
	return filepath.Join(dir, fmt.Sprintf("%s_%s.fits", name, t.UTC().Format("20060102T150405.000")))
}

func newShotHandler(dir string, device func() string, images *control.ImageBuffer) client.ShotHandler {
	return func(image []byte) error {
		now := time.Now()
		dev := device()
		images.Store(dev, image, now)

		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create image directory: %v", err)
		}
		path := imagePath(dir, dev, now)
		if err := os.WriteFile(path, image, 0644); err != nil {
			return fmt.Errorf("failed to save image: %v", err)
		}
		log.Infof("Image saved to %s (%d bytes)", path, len(image))
		return nil
	}
}

// newRouter logs the events nobody else consumes.
func newRouter() *client.Router {
	router := client.NewRouter()
	router.Handle(client.Filter{Actions: []client.Action{client.ActionUpdate}, States: []property.State{property.Alert}},
		func(_ client.Action, v *property.Vector) error {
			log.Warnf("%s.%s reported an alert", v.Device, v.Name)
			return nil
		})
	router.Handle(client.Filter{Name: property.CCDExposure, Actions: []client.Action{client.ActionUpdate}},
		func(_ client.Action, v *property.Vector) error {
			if left, ok := v.Number(property.Exposure); ok && v.State == property.Busy {
				log.Debugf("Exposure running, %.2fs left", left)
			}
			return nil
		})
	router.Handle(client.Filter{}, func(action client.Action, v *property.Vector) error {
		log.Tracef("%s %s", action, v)
		return nil
	})
	return router
}

// shutdown disconnects the device, waits for it and releases the bus.
func shutdown(m *client.Manager) error {
	if m.Session().Driver() != nil {
		if err := m.DisconnectDevice(""); err != nil {
			log.Warnf("Failed to disconnect device: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := m.WaitDisconnected(ctx, "")
		cancel()
		if err != nil {
			log.Warnf("Device did not disconnect in time: %v", err)
		}

		if err := m.UnloadDriver(); err != nil {
			return fmt.Errorf("failed to unload driver: %v", err)
		}
	}
	return m.Cleanup()
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	log.Info("INDIGO client")

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	db, err := bolt.Open(cfg.Database.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	store, err := control.NewStore(db, settingsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create store: %v", err)
	}
	settings, err := store.GetSettings()
	if err != nil {
		return fmt.Errorf("failed to read settings: %v", err)
	}
	if err := applySettings(c, cfg, settings); err != nil {
		return err
	}

	logger := log.StandardLogger()
	transport, closeConn, err := newTransport(cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeConn()

	handlerErrs := make(chan error, 16)
	mcfg := cfg.ManagerConfig()
	mcfg.HandlerErrors = handlerErrs
	m := client.NewManager(transport, mcfg, logger)
	if !c.Bool("debug") {
		m.SetLogVerbosity(cfg.Client.Verbosity)
	}

	images := &control.ImageBuffer{}
	if err := m.SetDispatchHandler(newRouter().Dispatch); err != nil {
		return err
	}
	if err := m.SetShotHandler(newShotHandler(cfg.Images.Dir, m.Session().DeviceName, images)); err != nil {
		return err
	}

	if err := m.Setup(); err != nil {
		return fmt.Errorf("failed to set up client: %v", err)
	}
	if cfg.Client.Driver != "" {
		if err := m.LoadDriver(cfg.Client.Driver); err != nil {
			return errors.Join(err, m.Cleanup())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case err := <-handlerErrs:
				log.Errorf("Handler error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	var srv *http.Server
	if cfg.Control.Enabled {
		tmpl, err := templates.ParseSetup()
		if err != nil {
			return errors.Join(fmt.Errorf("failed to load templates: %v", err), shutdown(m))
		}

		server := control.NewServer(m, images, store, tmpl, log.WithField("component", "control"))
		srv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Control.Port),
			Handler: server.AddRoutes(),
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Debugf("Control server started on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("Could not listen on %s: %v", srv.Addr, err)
				stop()
			}
		}()

		if cfg.Control.Discovery {
			dr := control.NewDiscoveryResponder("0.0.0.0", control.DiscoveryPort, cfg.Control.Port, log.WithField("component", "discovery"))
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := dr.Run(ctx); err != nil {
					log.Errorf("Discovery responder failed: %v", err)
				}
				log.Debug("Discovery responder stopped")
			}()
		}
	}

	if c.Bool("interactive") {
		con, err := newConsole(m)
		if err != nil {
			return errors.Join(err, shutdown(m))
		}
		log.SetOutput(con.Stderr())
		defer log.SetOutput(os.Stderr)

		wg.Add(1)
		go func() {
			defer wg.Done()
			con.Run(ctx, stop)
		}()
	}

	<-ctx.Done()

	log.Info("Shutting down...")

	if srv != nil {
		ctx2, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx2); err != nil {
			log.Errorf("Control server forced to shutdown: %v", err)
		}
	}

	err = shutdown(m)
	wg.Wait()
	log.Info("Client stopped")
	return err
}

// serve exposes the bundled drivers to remote clients through MQTT.
func serve(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	db, err := bolt.Open(cfg.Database.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	conn, err := mqttbus.Dial(cfg.MQTT)
	if err != nil {
		return err
	}
	defer conn.Disconnect(250)

	b := newLocalBus(db, log.StandardLogger())
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("Serving drivers %v on %s", b.Drivers(), cfg.MQTT.Broker)
	return mqttbus.NewServer(conn, cfg.MQTT.TopicRoot, b, log.WithField("component", "server")).Run(ctx)
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			EnvVars: []string{"INDIGO_CONFIG"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
			Usage:   "Enable debug logging",
			Value:   false,
			EnvVars: []string{"DEBUG"},
		},
		&cli.StringFlag{
			Name:  "bus",
			Usage: "Bus transport: local or mqtt",
		},
		&cli.StringFlag{
			Name:  "db",
			Usage: "Settings database path",
		},
	}
}

func main() {
	app := cli.App{
		Name:  "indigo-client",
		Usage: "INDIGO bus client",
		Flags: append(commonFlags(),
			&cli.IntFlag{
				Name:    "verbosity",
				Aliases: []string{"v"},
				Usage:   "Log verbosity from 0 (errors) to 3 (trace)",
			},
			&cli.StringFlag{
				Name:  "device",
				Usage: "Device handled in single mode",
			},
			&cli.StringFlag{
				Name:  "driver",
				Usage: "Driver loaded at startup",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Client mode: single or general",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Control server port",
				EnvVars: []string{"INDIGO_CONTROL_PORT"},
			},
			&cli.StringFlag{
				Name:  "images",
				Usage: "Directory for saved images",
			},
			&cli.BoolFlag{
				Name:    "interactive",
				Aliases: []string{"i"},
				Usage:   "Start the interactive console",
			},
		),
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the bundled drivers to remote clients over MQTT",
				Flags:  commonFlags(),
				Action: serve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
