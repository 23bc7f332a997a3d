// Package worker drives the scan loops of the pipeline stages. Each loop
// runs its scan on a fixed interval; the incoming loop additionally wakes on
// filesystem events so fresh series are routed without waiting out the tick.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/micsi-dev/mercure/go/metrics"
	"github.com/micsi-dev/mercure/go/ops"
	log "github.com/sirupsen/logrus"
)

// Loop is one periodically scanned pipeline stage.
type Loop struct {
	// Name labels the loop in logs and metrics.
	Name string
	// Interval between scans.
	Interval time.Duration
	// Scan performs one pass. Errors are logged and counted, not fatal.
	Scan func(ctx context.Context) error
	// Wake triggers an immediate scan when it fires, in addition to the
	// interval. Optional.
	Wake <-chan struct{}
}

// Run executes the loop until the context is canceled.
func (l Loop) Run(ctx context.Context, logger ops.Logger) {
	var ticker = time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		var began = time.Now()
		var err = l.Scan(ctx)
		metrics.ScanIterations.WithLabelValues(l.Name).Inc()
		metrics.ScanDuration.WithLabelValues(l.Name).Observe(time.Since(began).Seconds())
		if err != nil && ctx.Err() == nil {
			metrics.ScanFailures.WithLabelValues(l.Name).Inc()
			logger.Log(log.ErrorLevel, log.Fields{"loop": l.Name, "error": err}, "scan pass failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.Wake:
		}
	}
}

// RunAll runs every loop concurrently and blocks until the context is
// canceled and all loops returned.
func RunAll(ctx context.Context, logger ops.Logger, loops ...Loop) {
	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(l Loop) {
			defer wg.Done()
			logger.Log(log.InfoLevel, log.Fields{"loop": l.Name, "interval": l.Interval.String()},
				"starting worker loop")
			l.Run(ctx, logger)
		}(loop)
	}
	wg.Wait()
}

// WatchFolder returns a channel which fires when the given folder changes.
// Bursts of events coalesce into a single pending wake-up.
func WatchFolder(ctx context.Context, dir string, logger ops.Logger) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err = watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	var wake = make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Log(log.WarnLevel, log.Fields{"dir": dir, "error": err}, "folder watch error")
			}
		}
	}()
	return wake, nil
}
