package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/micsi-dev/mercure/go/aggregator"
	"github.com/micsi-dev/mercure/go/dispatcher"
	"github.com/micsi-dev/mercure/go/metrics"
	"github.com/micsi-dev/mercure/go/notify"
	"github.com/micsi-dev/mercure/go/processor"
	"github.com/micsi-dev/mercure/go/router"
	"github.com/micsi-dev/mercure/go/worker"
	log "github.com/sirupsen/logrus"
)

// Scan intervals of the worker loops. The incoming loop additionally wakes
// on filesystem events.
const (
	incomingInterval   = time.Second
	aggregateInterval  = 10 * time.Second
	processingInterval = 5 * time.Second
	outgoingInterval   = 5 * time.Second
)

type cmdServe struct {
	baseConfig
	MetricsAddr string `long:"metrics" env:"MERCURE_METRICS_ADDR" default:":9100" description:"Address of the Prometheus scrape endpoint (empty disables it)"`
}

func (cmd cmdServe) Execute(_ []string) error {
	provider, logger, err := cmd.init()
	if err != nil {
		return err
	}
	var cfg = provider.Snapshot()
	var folders = cfg.Folders()
	if err = folders.EnsureAll(); err != nil {
		return err
	}

	keeper, err := newEventSink(cfg)
	if err != nil {
		return err
	}
	var notifier = notify.NewSender(logger)

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	// SIGHUP reloads the configuration; the next loop pass observes it.
	var hup = make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := provider.Reload(); err != nil {
				logger.Log(log.ErrorLevel, log.Fields{"error": err}, "configuration reload failed")
			} else {
				logger.Log(log.InfoLevel, nil, "configuration reloaded")
			}
		}
	}()

	if cmd.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cmd.MetricsAddr); err != nil {
				logger.Log(log.ErrorLevel, log.Fields{"error": err}, "metrics endpoint failed")
			}
		}()
	}

	wake, err := worker.WatchFolder(ctx, folders.Incoming, logger)
	if err != nil {
		return err
	}

	var route = router.New(provider, keeper, notifier, logger)
	var agg = aggregator.New(provider, keeper, notifier, logger)
	var proc = processor.New(provider, keeper, notifier, processor.SelectRuntime(cfg), logger)
	var disp = dispatcher.New(provider, keeper, notifier, nil, logger)

	logger.Log(log.InfoLevel, log.Fields{"spool": cfg.SpoolRoot}, "starting orchestrator")
	worker.RunAll(ctx, logger,
		worker.Loop{Name: "incoming", Interval: incomingInterval, Scan: route.ScanOnce, Wake: wake},
		worker.Loop{Name: "studies", Interval: aggregateInterval, Scan: agg.ScanStudiesOnce},
		worker.Loop{Name: "patients", Interval: aggregateInterval, Scan: agg.ScanPatientsOnce},
		worker.Loop{Name: "processing", Interval: processingInterval, Scan: proc.ScanOnce},
		worker.Loop{Name: "outgoing", Interval: outgoingInterval, Scan: disp.ScanOnce},
	)
	logger.Log(log.InfoLevel, nil, "orchestrator stopped")
	return nil
}
