package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/primiano/light-dimmer-ble/internal/ble"
	"github.com/primiano/light-dimmer-ble/internal/config"
	"github.com/primiano/light-dimmer-ble/internal/control"
	"github.com/primiano/light-dimmer-ble/internal/server"
	"github.com/primiano/light-dimmer-ble/internal/tui"
)

// CLI is the root command structure for lightdimmer.
type CLI struct {
	ConfigFile string `name:"config" help:"Path to config file (default: ~/.config/lightdimmer/config.yaml)." placeholder:"PATH"`
	LogLevel   string `help:"Override the configured log level (debug, info, warn, error)." placeholder:"LEVEL"`
	Sim        bool   `help:"Use the simulated dimmer instead of the Bluetooth adapter."`

	Run    RunCmd    `cmd:"" default:"1" help:"Connect and log session events until interrupted (default)."`
	Scan   ScanCmd   `cmd:"" help:"List nearby dimmers."`
	Set    SetCmd    `cmd:"" help:"Set one channel's brightness or smoothing."`
	Reset  ResetCmd  `cmd:"" help:"Turn every channel off."`
	Tui    TuiCmd    `cmd:"" help:"Interactive dimmer surface."`
	Serve  ServeCmd  `cmd:"" help:"Serve the HTTP and websocket bridge."`
	Config ConfigCmd `cmd:"" name:"config" help:"Manage the config file."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("lightdimmer"),
		kong.Description("Control a 4-channel BLE light dimmer."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	err := kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}

// app is the loaded configuration and logger shared by every command.
type app struct {
	cfg *config.Config
	log *logrus.Logger
}

func newApp(cli *CLI) (*app, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := loadConfig(cli.ConfigFile, log)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.Sim {
		cfg.Adapter = "sim"
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation")
	}
	log.SetLevel(config.ParseLogLevel(cfg.LogLevel))
	return &app{cfg: cfg, log: log}, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string, log logrus.FieldLogger) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s", defaultPath)
		}
		log.WithField("path", defaultPath).Debug("config loaded")
		return cfg, nil
	}

	log.Debug("no config file found, using defaults")
	return config.Default(), nil
}

func (a *app) adapter() ble.Adapter {
	if a.cfg.Adapter == "sim" {
		return ble.NewSimAdapter()
	}
	return ble.NewTinyGoAdapter()
}

func (a *app) newSession(listener ble.Listener) *ble.Session {
	return ble.NewSession(a.adapter(), listener, a.cfg.SessionOptions(a.log))
}

// logListener reports session callbacks through the logger.
type logListener struct {
	log logrus.FieldLogger
}

func (l logListener) OnDeviceConnected(name string) {
	l.log.WithField("device", name).Info("connected")
}

func (l logListener) OnConnectionLost() {
	l.log.Warn("connection lost, rescanning")
}

func (l logListener) OnReadValues(values []int) {
	l.log.WithField("values", values).Info("channel levels")
}

func (l logListener) OnStateChange(message string) {
	l.log.Debug(message)
}

func (l logListener) OnSessionError(err error) {
	l.log.WithError(err).Debug("session error")
}

// lastError keeps the most recent error that tore the session down.
// Protocol errors from malformed notifications leave the link and its
// queue intact and are not recorded.
type lastError struct {
	ble.NopListener
	mu  sync.Mutex
	err error
}

func (l *lastError) OnSessionError(err error) {
	if !errors.Is(err, ble.ErrLink) && !errors.Is(err, ble.ErrConfiguration) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *lastError) get() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// --- Commands ---

type RunCmd struct{}

func (c *RunCmd) Run(cli *CLI, ctx context.Context) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}

	levels := control.NewLevels()
	sess := a.newSession(control.Multi{levels, logListener{a.log}})
	if err := sess.Start(); err != nil {
		return err
	}
	defer sess.Close()

	<-ctx.Done()
	a.log.WithField("levels", levels.Clone().Brightness).Info("shutting down")
	return nil
}

type ScanCmd struct {
	Timeout time.Duration `default:"5s" help:"How long to scan."`
}

func (c *ScanCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}

	a.log.WithField("timeout", c.Timeout).Info("scanning")
	devices, err := ble.ScanForDevices(a.adapter(), a.cfg.Device.ServiceUUID, c.Timeout)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No dimmers found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\n", name, d.MAC, d.RSSI)
	}
	return w.Flush()
}

type SetCmd struct {
	Channel   int  `arg:"" help:"Channel, 0-3."`
	Value     int  `arg:"" help:"Value, 0-31."`
	Smoothing bool `help:"Set the transition smoothing instead of the brightness."`
}

func (c *SetCmd) Run(cli *CLI, ctx context.Context) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	return a.deliver(ctx, func(d *control.Dimmer) error {
		if c.Smoothing {
			return d.SetSmoothing(c.Channel, c.Value)
		}
		return d.SetBrightness(c.Channel, c.Value)
	})
}

type ResetCmd struct{}

func (c *ResetCmd) Run(cli *CLI, ctx context.Context) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	return a.deliver(ctx, (*control.Dimmer).ResetAll)
}

// deliver connects, queues the commands issued by send and waits until the
// dimmer has acknowledged all of them. A session error before that means
// the queue was dropped.
func (a *app) deliver(ctx context.Context, send func(*control.Dimmer) error) error {
	errs := &lastError{}
	sess := a.newSession(control.Multi{logListener{a.log}, errs})
	if err := sess.Start(); err != nil {
		return err
	}
	defer sess.Close()

	if err := send(control.NewDimmer(sess, nil)); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if d := a.cfg.Session.ConnectTimeout; d > 0 {
		timeout = time.After(2 * d)
	}
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := errs.get(); err != nil {
			return errors.Wrap(err, "command not delivered")
		}
		if sess.State() == ble.StateReady && sess.QueueLen() == 0 {
			a.log.WithField("device", sess.DeviceName()).Info("done")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return errors.Errorf("no acknowledgement from the dimmer after %s", 2*a.cfg.Session.ConnectTimeout)
		case <-tick.C:
		}
	}
}

type TuiCmd struct{}

func (c *TuiCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	// Log lines would tear the alternate screen.
	a.log.SetOutput(io.Discard)

	fwd := tui.NewForwarder()
	levels := control.NewLevels()
	sess := a.newSession(control.Multi{levels, control.ReadOnce(fwd)})
	if err := sess.Start(); err != nil {
		return err
	}
	defer sess.Close()

	return tui.Run(control.NewDimmer(sess, levels), fwd)
}

type ServeCmd struct {
	Listen string `help:"Address to listen on (default from config)." placeholder:"HOST:PORT"`
}

func (c *ServeCmd) Run(cli *CLI, ctx context.Context) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	listen := a.cfg.Server.Listen
	if c.Listen != "" {
		listen = c.Listen
	}

	relay := &control.Relay{}
	levels := control.NewLevels()
	sess := a.newSession(control.Multi{levels, logListener{a.log}, relay})
	srv := server.New(control.NewDimmer(sess, levels), sess, a.log)
	relay.Attach(srv)

	if err := sess.Start(); err != nil {
		return err
	}
	defer sess.Close()

	return srv.ListenAndServe(ctx, listen)
}

type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write the default config file if none exists."`
}

type ConfigInitCmd struct{}

func (c *ConfigInitCmd) Run() error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
