package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	evenodd "github.com/Skryldev/evenodd-lab"
	"github.com/Skryldev/evenodd-lab/infrastructure/mqtt"
	"github.com/Skryldev/evenodd-lab/infrastructure/presenter"
	"github.com/Skryldev/evenodd-lab/infrastructure/serialmon"
	"github.com/Skryldev/evenodd-lab/infrastructure/web"
	"github.com/Skryldev/evenodd-lab/internal/config"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
	"github.com/Skryldev/evenodd-lab/pkg/progress"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file (defaults built in)")
	debug := flag.Bool("debug", false, "Enable development logging")
	addr := flag.String("addr", "", "Override the control panel listen address")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "evenoddd: %v\n", err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Web.Enabled = true
		cfg.Web.Addr = *addr
	}

	log, err := logger.New(cfg.Log.Development || *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evenoddd: create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("evenoddd stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("evenoddd stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) (runErr error) {
	period := cfg.FramePeriod()
	log.Info("starting evenoddd",
		zap.Int64("frame_period_ns", period),
		zap.String("telemetry", cfg.Telemetry.Source),
	)

	g, ctx := errgroup.WithContext(ctx)

	// ── Telemetry ─────────────────────────────────────────────────────────
	var pres evenodd.Presenter
	switch cfg.Telemetry.Source {
	case config.SourceSerial:
		ss, err := presenter.NewSoftwareSync(period)
		if err != nil {
			return err
		}
		mon, err := serialmon.Open(ctx, serialmon.Config{
			Port:        cfg.Telemetry.Serial.Port,
			Baud:        cfg.Telemetry.Serial.Baud,
			ReadTimeout: cfg.Telemetry.Serial.ReadTimeout,
		}, log)
		if err != nil {
			return err
		}
		defer func() { runErr = multierr.Append(runErr, mon.Close()) }()
		g.Go(func() error { return ignoreCancel(mon.Run(ctx)) })
		pres = presenter.WithCounter(ss, mon)

	default:
		sim := cfg.Telemetry.Simulator
		s, err := presenter.NewSimulator(presenter.SimConfig{
			FramePeriodNs:    period,
			BoundaryNs:       sim.BoundaryNs,
			BandNs:           sim.BandNs,
			DropProbability:  sim.DropRate(),
			NoiseProbability: sim.NoiseProbability,
			Seed:             sim.Seed,
		}, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCancel(s.Run(ctx)) })
		pres = s
	}

	// ── Result sinks ──────────────────────────────────────────────────────
	reporters := progress.NewMultiReporter()
	var sinks []evenodd.ResultSink
	if cfg.MQTT.Enabled {
		pub, err := mqtt.NewPublisher(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		}, log)
		if err != nil {
			return err
		}
		if err := pub.Connect(ctx); err != nil {
			log.Warn("mqtt unavailable, continuing without it", zap.Error(err))
		} else {
			defer func() { runErr = multierr.Append(runErr, pub.Close()) }()
			reporters.Add(pub)
			sinks = append(sinks, pub)
		}
	}

	// ── Rig ───────────────────────────────────────────────────────────────
	rig, err := evenodd.New(evenodd.Config{
		Presenter:     pres,
		Logger:        log,
		Reporters:     []progress.Reporter{reporters},
		Options:       cfg.Options(),
		ResultsFile:   cfg.Store.Path,
		ResultSinks:   sinks,
		StressWorkers: cfg.Stress.Workers,
	})
	if err != nil {
		return err
	}
	defer func() { runErr = multierr.Append(runErr, rig.Close()) }()

	if cfg.Store.Path != "" && cfg.Store.RestoreOnStart {
		if r, ok, err := rig.RestoreLastResult(ctx); err != nil {
			log.Warn("could not read stored calibration", zap.Error(err))
		} else if ok {
			log.Info("using stored calibration", zap.Int64("optimal_offset_ns", r.OptimalOffsetNs))
		}
	}

	// ── Control panel ─────────────────────────────────────────────────────
	if cfg.Web.Enabled {
		srv, err := web.NewServer(rig, log)
		if err != nil {
			return err
		}
		reporters.Add(srv)
		g.Go(func() error { return srv.Run(ctx, cfg.Web.Addr) })
	} else {
		// headless: calibrate once at startup
		if _, ok := rig.StartAutoCalibration(); ok {
			log.Info("headless calibration started")
		}
	}

	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
