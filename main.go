package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orangescada/opcua/config"
	driver "github.com/orangescada/opcua/driver/opcua"
	"github.com/orangescada/opcua/stats"
	"github.com/orangescada/opcua/supervisor"
)

var (
	configPath    = flag.String("config", "config.json", "path to the configuration document")
	statsInterval = flag.Duration("stats", 60*time.Second, "host diagnostics interval")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("MAIN: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.DriverSection().LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	sup := supervisor.New(cfg)
	drv := driver.New(cfg, driver.Handlers{
		Subscribe: sup.QueueValues,
		Progress:  sup.SendProgress,
		SetConfig: sup.PersistConfig,
	})
	sup.Bind(drv)

	ctx, cancel := context.WithCancel(context.Background())
	go stats.Run(ctx, *statsInterval)
	go sup.Run(ctx)

	logrus.Infof("MAIN: OPC UA driver started (supervisor %s:%d)",
		cfg.DriverSection().Host, cfg.DriverSection().Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logrus.Infof("MAIN: received %s, shutting down", sig)
	cancel()
	drv.Shutdown()
}
