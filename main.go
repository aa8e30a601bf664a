package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"i4.energy/across/cellmqtt/mirror"
	"i4.energy/across/cellmqtt/modem"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML configuration file")
	flag.String("variant", "quectel", "Modem family (neoway, quectel)")
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flag.Int("baud-rate", 0, "Baud rate for serial communication (0 selects the variant default)")
	flag.String("reset-gpio", "", "GPIO driving the modem reset input")
	flag.String("power-key-gpio", "", "GPIO driving the modem power key")
	flag.String("apn", "", "Access point name of the packet data context")
	flag.String("mqtt-host", "", "MQTT broker reached through the modem")
	flag.Int("mqtt-port", 1883, "MQTT broker port")
	flag.String("client-id", "", "MQTT client id base")
	flag.String("main-topic", "cellmqtt", "Topic prefix for this device")
	flag.Duration("poll-interval", 10*time.Second, "Pause between supervision rounds")
	flag.Bool("power-off-on-exit", false, "Power the modem down on shutdown")
	flag.String("mirror-broker", "", "Local MQTT broker URL to mirror status and messages to")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithFile(*configFile), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger); err != nil {
		logger.Error("Gateway stopped", "error", err)
		os.Exit(1)
	}
}

// openLine returns a nil Line for an unwired input.
func openLine(name string) (modem.Line, error) {
	if name == "" {
		return nil, nil
	}
	return modem.OpenLine(name)
}

func run(ctx context.Context, config *Config, logger *slog.Logger) error {
	port, err := modem.Open(ctx, modem.SerialDialer{
		PortName: config.SerialPort,
		BaudRate: config.Baud(),
	}, logger.With("component", "port"))
	if err != nil {
		return err
	}
	defer port.Close()

	resetLine, err := openLine(config.ResetGPIO)
	if err != nil {
		return err
	}
	powerKey, err := openLine(config.PowerKeyGPIO)
	if err != nil {
		return err
	}

	modemConfig, err := modem.NewConfigBuilder().
		WithAPN(config.APN).
		WithBroker(config.MQTTHost, config.MQTTPort).
		WithCredentials(config.ClientID, config.Username, config.Password).
		WithTopics(config.MainTopic, config.CmdTopic, config.StatusTopic).
		WithTimeServer(config.TimeServer).
		WithChannel(port).
		WithResetLine(resetLine).
		WithPowerKeyLine(powerKey).
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}

	driver, err := modem.New(modem.Variant(config.Variant), modemConfig)
	if err != nil {
		return err
	}

	runner := &Runner{
		Driver:         driver,
		Logger:         logger.With("component", "runner"),
		Interval:       config.PollInterval,
		PowerOffOnExit: config.PowerOffOnExit,
		BootWait:       5 * time.Second,
	}

	if config.MirrorBroker != "" {
		bridge, err := mirror.Connect(mirror.Config{
			Broker:   config.MirrorBroker,
			ClientID: config.ClientID + "-mirror",
			Prefix:   config.MirrorPrefix,
		}, logger.With("component", "mirror"), runner.Enqueue)
		if err != nil {
			return err
		}
		defer bridge.Close()
		runner.Observers = append(runner.Observers, bridge)
	}

	logger.Info("Starting cellular MQTT gateway", "variant", driver.Variant(), "serial_port", config.SerialPort, "broker", modemConfig.BrokerAddress())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(ctx)
	})

	if config.BindAddress != "" {
		httpServer := &http.Server{
			Addr: config.BindAddress,
			Handler: &Server{
				Logger: logger.With("component", "server"),
				Driver: driver,
				Outbox: runner,
			},
		}

		g.Go(func() error {
			logger.Info("Starting HTTP server", "address", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			logger.Info("Closing HTTP server")
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
