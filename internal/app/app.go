package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	server "holosync/server"
	servernet "holosync/server/internal/net"
	"holosync/server/internal/observability"
	"holosync/server/internal/telemetry"
	"holosync/server/logging"
	loggingSinks "holosync/server/logging/sinks"
)

// Config carries optional collaborators for Run. Zero value uses defaults.
type Config struct {
	Logger        telemetry.Logger
	Observability observability.Config
}

// Run wires the hub, logging router, and HTTP surface together and serves
// until the listener fails or ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	logConfig := logging.DefaultConfig()
	if path := os.Getenv("HOLOSYNC_LOG_JSON_PATH"); path != "" {
		logConfig.JSON.FilePath = path
		logConfig.EnabledSinks = append(logConfig.EnabledSinks, "json")
	}

	namedSinks := []logging.NamedSink{
		{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, logConfig.Console)},
	}
	var jsonFile *os.File
	if logConfig.HasSink("json") && logConfig.JSON.FilePath != "" {
		file, err := os.OpenFile(logConfig.JSON.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			telemetryLogger.Printf("failed to open json log file %q: %v", logConfig.JSON.FilePath, err)
		} else {
			jsonFile = file
			namedSinks = append(namedSinks, logging.NamedSink{
				Name: "json",
				Sink: loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval),
			})
		}
	}

	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, namedSinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(ctx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
		if jsonFile != nil {
			jsonFile.Close()
		}
	}()

	observabilityCfg := cfg.Observability
	if raw := os.Getenv("HOLOSYNC_ENABLE_PPROF"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			observabilityCfg.EnablePprof = value
		} else {
			telemetryLogger.Printf("invalid HOLOSYNC_ENABLE_PPROF=%q: %v", raw, err)
		}
	}

	hubCfg := server.LoadHubConfig()
	hub := server.NewHubWithConfig(hubCfg, router)

	stop := make(chan struct{})
	go hub.RunSimulation(stop)
	defer close(stop)

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		Logger:        fallbackLogger,
		Observability: observabilityCfg,
	})

	srv := &http.Server{Addr: hubCfg.Addr, Handler: handler}
	telemetryLogger.Printf("replication server listening on %s (authority=%s tick=%d)",
		srv.Addr, hubCfg.AuthorityMode, hubCfg.TickRate)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		if serr := srv.Shutdown(context.Background()); serr != nil {
			telemetryLogger.Printf("failed to shut down listener: %v", serr)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}
