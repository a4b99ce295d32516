package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lowaak/csc-sensor/internal/bt"
	"github.com/lowaak/csc-sensor/internal/config"
	"github.com/lowaak/csc-sensor/internal/dashboard"
	"github.com/lowaak/csc-sensor/internal/events"
	"github.com/lowaak/csc-sensor/internal/go_func_utils"
	"github.com/lowaak/csc-sensor/internal/logging"
	"github.com/lowaak/csc-sensor/internal/mock"
	"github.com/lowaak/csc-sensor/internal/sensor"
	"github.com/lowaak/csc-sensor/internal/session"
	"github.com/lowaak/csc-sensor/internal/telemetry"
	"github.com/lowaak/csc-sensor/internal/units"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type mainApp struct {
	cfg    config.Config
	logger *slog.Logger
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          config.DefaultAppName,
		Short:        "Read speed and cadence from a Bluetooth cycling speed and cadence sensor",
		SilenceUsage: true,
	}
	config.RegisterFlags(root.PersistentFlags())
	root.AddCommand(newScanCmd(), newRideCmd(), newMockCmd())
	return root
}

func setup(cmd *cobra.Command) (*mainApp, error) {
	v := config.New(cmd.Flags())
	configFile, _ := cmd.Flags().GetString("config")
	if err := config.ReadFile(v, configFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.New(cfg.LoggingOptions(), config.DefaultAppName)
	if err != nil {
		return nil, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("using config file", "path", used)
	}
	return &mainApp{cfg: cfg, logger: logger, closer: closer}, nil
}

func (a *mainApp) close() {
	if err := a.closer.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "closing log file:", err)
	}
}

func (a *mainApp) newMock() *mock.MockTransport {
	return mock.NewMockTransport(a.logger, mock.Config{
		WheelCircumferenceMM: a.cfg.Wheel.CircumferenceMM,
		SpeedKmh:             a.cfg.Mock.SpeedKmh,
		CadenceRPM:           a.cfg.Mock.CadenceRPM,
		Interval:             a.cfg.Mock.Interval,
	})
}

// newLink returns the simulated sensor or the Bluetooth manager, and its shutdown function
func (a *mainApp) newLink() (sensor.Link, func(), error) {
	if a.cfg.Mock.Enabled {
		m := a.newMock()
		if err := m.Start(a.cfg.Mock.Listen); err != nil {
			return nil, nil, err
		}
		return m, m.Shutdown, nil
	}

	manager := bt.NewBTManager(newAdapter(a.cfg.Bluetooth.Adapter), a.logger)
	if err := manager.Enable(); err != nil {
		return nil, nil, fmt.Errorf("enable BLE stack: %w", err)
	}
	return manager, manager.Shutdown, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Find the first CSC sensor and print its address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			link, shutdown, err := a.newLink()
			if err != nil {
				return err
			}
			defer shutdown()

			coordinator := sensor.NewCoordinator(link, a.cfg.Wheel.CircumferenceMM, a.cfg.Scan.Timeout, a.logger)
			found, err := coordinator.Discover(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Found %s (%s) [RSSI: %d]\n", found.LocalName, found.Handle, found.RSSI)
			return nil
		},
	}
}

func newRideCmd() *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "ride [address]",
		Short: "Connect to a sensor and report speed and cadence until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			var address string
			if len(args) == 1 {
				address = args[0]
			}
			return a.ride(ctx, address)
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "stop riding after this long (0 rides until interrupted)")
	return cmd
}

func (a *mainApp) ride(ctx context.Context, address string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	link, shutdown, err := a.newLink()
	if err != nil {
		return err
	}
	defer shutdown()

	coordinator := sensor.NewCoordinator(link, a.cfg.Wheel.CircumferenceMM, a.cfg.Scan.Timeout, a.logger)

	// The adapter only knows devices it has seen advertising, so scan even for a given address
	var found sensor.Discovery
	if address == "" {
		found, err = coordinator.Discover(ctx)
	} else {
		found, err = coordinator.Find(ctx, session.Handle(address))
	}
	if err != nil {
		return err
	}
	handle, name := found.Handle, found.LocalName

	// Registered before the dispatcher so it is closed after the queue is drained
	var publisher *telemetry.Publisher
	if a.cfg.MQTT.Enabled {
		publisher = telemetry.NewPublisher(telemetry.Options{
			Broker:      a.cfg.MQTT.Broker,
			Port:        a.cfg.MQTT.Port,
			ClientID:    a.cfg.MQTT.ClientID,
			TopicPrefix: a.cfg.MQTT.TopicPrefix,
		}, a.logger)
		defer publisher.Disconnect()
	}

	dispatcher := events.NewDispatcher(a.logger, events.DefaultQueueSize)
	defer func() {
		dispatcher.Close()
		if dropped := dispatcher.Dropped(); dropped > 0 {
			a.logger.Warn("events dropped during ride", "count", dropped)
		}
	}()
	readout := units.NewReadout(units.DefaultStaleAfter)
	dispatcher.Subscribe(readout.Apply)
	dispatcher.Subscribe(func(event session.Event) { logEvent(a.logger, event) })

	if publisher != nil {
		go_func_utils.SafeGo(a.logger, func() {
			if err := publisher.Connect(ctx); err != nil {
				a.logger.Warn("mqtt connect failed, telemetry disabled", "error", err)
				return
			}
			// Subscribing now replays the current sensor state to the retained topic
			dispatcher.Subscribe(publisher.OnEvent)
		})
	}

	var dash *dashboard.Dashboard
	if a.cfg.Dashboard.Enabled {
		dash = dashboard.New(readout, name, a.logger)
		dispatcher.SubscribeChan(dash.Updates())
	}

	rideErr := make(chan error, 1)
	go_func_utils.SafeGo(a.logger, func() {
		defer cancel()
		rideErr <- coordinator.Ride(ctx, handle, dispatcher)
	})

	if dash != nil {
		if err := dash.Run(ctx); err != nil {
			a.logger.Error("dashboard failed", "error", err)
		}
		// Quitting the dashboard ends the ride
		cancel()
	}

	return <-rideErr
}

func logEvent(logger *slog.Logger, event session.Event) {
	switch e := event.(type) {
	case session.ConnectionStateChanged:
		if e.Err != nil {
			logger.Warn("sensor state", "handle", string(e.Handle), "state", e.State.String(), "error", e.Err)
			return
		}
		logger.Info("sensor state", "handle", string(e.Handle), "state", e.State.String())
	case session.SpeedUpdate:
		logger.Info("speed",
			"km_h", fmt.Sprintf("%.1f", units.SpeedKmh(e.DistanceMM, e.ElapsedSeconds)),
			"revolutions", e.Revolutions,
			"distance_mm", e.DistanceMM,
			"elapsed_s", e.ElapsedSeconds,
		)
	case session.CadenceUpdate:
		logger.Info("cadence",
			"rpm", fmt.Sprintf("%.0f", units.CadenceRPM(e.Rotations, e.ElapsedSeconds)),
			"rotations", e.Rotations,
			"elapsed_s", e.ElapsedSeconds,
		)
	}
}

func newMockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mock",
		Short: "Run the simulated sensor and its HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			m := a.newMock()
			if err := m.Start(a.cfg.Mock.Listen); err != nil {
				return err
			}
			defer m.Shutdown()

			fmt.Fprintf(cmd.OutOrStdout(), "Mock sensor %s control API on %s\n", m.Handle(), a.cfg.Mock.Listen)
			<-ctx.Done()
			return nil
		},
	}
}
