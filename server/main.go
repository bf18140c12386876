// The cmf-server merges pushed pipeline documents into a central metadata
// store and serves them back to pulling clients, along with side-channel
// files (python environments, labels, tensorboard logs).
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-metadata/cmf-go/internal/platform/env"
	"github.com/common-metadata/cmf-go/internal/platform/httpserver"
	platformsqlite "github.com/common-metadata/cmf-go/internal/platform/sqlite"
	"github.com/common-metadata/cmf-go/internal/repo/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CMF_HTTP_ADDR", ":8080")
	storePath := env.String("CMF_URI", "mlmd")
	dataDir := env.String("CMF_DATA_DIR", "data")
	shutdownTimeout, err := env.Duration("CMF_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	db, err := platformsqlite.Open(ctx, platformsqlite.Config{Path: storePath})
	if err != nil {
		logger.Error("metadata store unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := sqlite.New(db)
	if err != nil {
		logger.Error("metadata store init failed", "error", err)
		os.Exit(1)
	}
	if err := store.Init(ctx); err != nil {
		logger.Error("metadata schema init failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("cmf-server"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"cmf-server",
			httpserver.ReadinessCheck{
				Name: "store",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
		),
	)

	api := newCMFAPI(logger, store, dataDir)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "cmf-server",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "cmf-server", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
