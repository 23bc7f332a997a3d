package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/micsi-dev/mercure/go/bookkeeper"
	log "github.com/sirupsen/logrus"
)

type cmdBookkeeper struct {
	baseConfig
	Listen string `long:"listen" env:"MERCURE_BOOKKEEPER_LISTEN" default:":8080" description:"Address the bookkeeper listens on"`
	DBPath string `long:"db" env:"MERCURE_BOOKKEEPER_DB" default:"/var/lib/mercure/bookkeeper.db" description:"Path of the sqlite database"`
}

func (cmd cmdBookkeeper) Execute(_ []string) error {
	provider, logger, err := cmd.init()
	if err != nil {
		return err
	}
	var cfg = provider.Snapshot()

	store, err := bookkeeper.OpenStore(cmd.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var server = &http.Server{
		Addr:    cmd.Listen,
		Handler: bookkeeper.NewServer(store, cfg.BookkeeperAPIKey),
	}

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()
	go func() {
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Log(log.InfoLevel, log.Fields{"listen": cmd.Listen, "db": cmd.DBPath}, "starting bookkeeper")
	if err = server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Log(log.InfoLevel, nil, "bookkeeper stopped")
	return nil
}
