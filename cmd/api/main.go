package main

import (
    "context"
    "errors"
    "log"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/123ashny/KENYASHIP/internal/api"
    "github.com/123ashny/KENYASHIP/internal/buildinfo"
    "github.com/123ashny/KENYASHIP/internal/config"
    "github.com/123ashny/KENYASHIP/internal/logging"
)

func main() {
    cfg, err := config.Load()
    if err != nil {
        log.Fatalf("config: %v", err)
    }
    logger := logging.New(os.Stdout, cfg.LogLevel)

    srvDeps, err := api.NewServer(cfg, logger)
    if err != nil {
        log.Fatalf("failed to init server: %v", err)
    }

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()
    srvDeps.RunBackground(ctx)

    srv := &http.Server{
        Addr:              cfg.Addr(),
        Handler:           srvDeps.Routes(),
        ReadHeaderTimeout: 5 * time.Second,
    }

    errCh := make(chan error, 1)
    go func() {
        errCh <- srv.ListenAndServe()
    }()
    logger.Info(ctx, "api listening", "addr", cfg.Addr(), "env", cfg.AppEnv, "version", buildinfo.Version)

    select {
    case <-ctx.Done():
        shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
        defer cancel()
        if err := srv.Shutdown(shutdownCtx); err != nil {
            logger.Error(shutdownCtx, "shutdown", "err", err)
        }
    case err := <-errCh:
        if err != nil && !errors.Is(err, http.ErrServerClosed) {
            log.Fatalf("server error: %v", err)
        }
    }

    if err := srvDeps.Close(); err != nil {
        logger.Error(context.Background(), "close", "err", err)
    }
}
