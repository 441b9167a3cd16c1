// Command nvecd runs the vector-and-event similarity server.
//
// © 2025 nvecd authors. MIT License.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nvecd/nvecd/internal/logging"
	"github.com/nvecd/nvecd/internal/server"
	"github.com/nvecd/nvecd/internal/serverconfig"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "path to nvecd.yaml (defaults apply when omitted)")
		listen      = flag.String("listen", "", "override api.tcp.bind")
		port        = flag.Int("port", 0, "override api.tcp.port")
		snapshotDir = flag.String("snapshot-dir", "", "override snapshot.dir")
		logLevel    = flag.String("log-level", "", "override logging.level")
	)
	flag.Parse()

	cfg := serverconfig.Default()
	if *configPath != "" {
		loaded, err := serverconfig.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "nvecd:", err)
			return 1
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.API.TCP.Bind = *listen
	}
	if *port != 0 {
		cfg.API.TCP.Port = *port
	}
	if *snapshotDir != "" {
		cfg.Snapshot.Dir = *snapshotDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "nvecd:", err)
		return 1
	}

	log, err := logging.New(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	if err != nil {
		fmt.Fprintln(os.Stderr, "nvecd:", err)
		return 1
	}
	defer log.Sync()

	srv, err := server.New(server.Options{
		Config:     cfg,
		ConfigPath: *configPath,
		Logger:     log,
		Registry:   prometheus.NewRegistry(),
	})
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}
	if err := srv.Start(); err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	srv.Stop()
	return 0
}
