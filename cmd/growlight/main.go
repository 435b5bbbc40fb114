package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cybre/growlight-controller/internal/config"
	"github.com/cybre/growlight-controller/internal/errors"
	"github.com/cybre/growlight-controller/internal/homekit"
	"github.com/cybre/growlight-controller/internal/link"
	"github.com/cybre/growlight-controller/internal/metrics"
	"github.com/cybre/growlight-controller/internal/mqtt"
	"github.com/cybre/growlight-controller/internal/store"
	"github.com/cybre/growlight-controller/internal/supervisor"
	"github.com/cybre/growlight-controller/internal/tuya"
	"github.com/cybre/growlight-controller/internal/worker"
	"golang.org/x/sync/errgroup"
)

// workerCommand makes the binary run a single device link worker speaking
// the link protocol on stdin and stdout.
const workerCommand = "worker"

func main() {
	if len(os.Args) > 1 && os.Args[1] == workerCommand {
		os.Exit(runWorker(os.Args[2:]))
	}

	if err := config.Load(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var loggerOpts *slog.HandlerOptions = nil
	if config.Debug {
		loggerOpts = &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, loggerOpts))
	slog.SetDefault(logger)

	if err := run(ctx, logger); err != nil {
		slog.Error("grow light controller stopped", slog.String("stack", errors.Stack(err)))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	db, err := store.Open(config.DatabasePath)
	if err != nil {
		return errors.Wrapf(err, "open state store")
	}
	defer db.Close()

	spawner, err := newSpawner(logger)
	if err != nil {
		return errors.Wrapf(err, "create worker spawner")
	}

	m := metrics.New()
	sup := supervisor.New(spawner, supervisor.WithLogger(logger), supervisor.WithObserver(m))

	snapshot, ok, err := db.Load()
	if err != nil {
		slog.Warn("failed to load last known state", slog.Any("error", err))
	} else if ok {
		slog.Info("restored last known state", slog.Any("state", snapshot))
		sup.Seed(snapshot)
	}

	sup.OnStateSync(func(s link.Snapshot) {
		if err := db.Save(s); err != nil {
			slog.Warn("failed to save state", slog.Any("error", err))
		}
	})

	bridge := homekit.NewBridge(config.AccessoryName, config.DeviceID, sup, logger)
	sup.OnStateSync(bridge.Sync)

	if config.MQTTBroker != "" {
		mqttBridge, err := mqtt.Connect(mqtt.Config{
			Broker:   config.MQTTBroker,
			Topic:    config.MQTTTopic,
			ClientID: "growlight-" + config.DeviceID,
			Username: config.MQTTUsername,
			Password: config.MQTTPassword,
		}, sup, logger)
		if err != nil {
			return errors.Wrapf(err, "set up mqtt")
		}
		defer mqttBridge.Close()

		sup.AddObserver(mqttBridge)
	}

	errGroup, groupCtx := errgroup.WithContext(ctx)
	errGroup.Go(func() error {
		return sup.Run(groupCtx)
	})
	errGroup.Go(func() error {
		return bridge.Serve(groupCtx, config.HomeKitStorePath, config.HomeKitPin)
	})
	if config.MetricsAddr != "" {
		errGroup.Go(func() error {
			slog.Info("serving metrics", slog.String("addr", config.MetricsAddr))
			return m.Serve(groupCtx, config.MetricsAddr)
		})
	}

	if err := errGroup.Wait(); err != nil {
		return errors.Wrap(err)
	}

	return nil
}

func newSpawner(logger *slog.Logger) (supervisor.Spawner, error) {
	if config.WorkerIsolation == config.IsolationGoroutine {
		return supervisor.FuncSpawner{
			Run: func(ctx context.Context, commands <-chan link.Message, report func(link.Message)) error {
				device := newDevice(config.DeviceID, config.DeviceKey, config.DeviceIP, config.DeviceVersion)
				return worker.New(device, report).Run(ctx, commands)
			},
		}, nil
	}

	executable, err := os.Executable()
	if err != nil {
		return nil, errors.Wrapf(err, "locate executable")
	}

	args := []string{workerCommand, "-version", config.DeviceVersion}
	if config.DeviceIP != "" {
		args = append(args, "-ip", config.DeviceIP)
	}
	args = append(args, config.DeviceID, config.DeviceKey)

	return supervisor.ProcessSpawner{
		Binary: executable,
		Args:   args,
		Logger: logger,
	}, nil
}

// runWorker is the body of the worker process. Its stdout belongs to the link
// protocol, so diagnostics go to stderr where the parent logs them.
func runWorker(args []string) int {
	flags := flag.NewFlagSet(workerCommand, flag.ContinueOnError)
	ip := flags.String("ip", "", "device address, skips discovery")
	version := flags.String("version", "3.3", "device protocol version")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: growlight worker [-ip address] [-version version] <device id> <device key>")
		return 2
	}

	device := newDevice(flags.Arg(0), flags.Arg(1), *ip, *version)
	if err := worker.Serve(context.Background(), device, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, errors.Stack(err))
		return 1
	}

	return 0
}

func newDevice(id, key, ip, version string) *tuya.Device {
	opts := []tuya.Option{tuya.WithVersion(version)}
	if ip != "" {
		opts = append(opts, tuya.WithAddress(ip))
	}

	return tuya.New(id, key, opts...)
}
