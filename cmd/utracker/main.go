// Command utracker runs a standalone BitTorrent UDP tracker.
package main

import (
	"log"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/btracker-go/utracker/config"
	lg "github.com/btracker-go/utracker/pkg/log"
	"github.com/btracker-go/utracker/pkg/metrics"
	"github.com/btracker-go/utracker/storage"
	_ "github.com/btracker-go/utracker/storage/database"
	_ "github.com/btracker-go/utracker/storage/memory"
	_ "github.com/btracker-go/utracker/storage/redis"
	"github.com/btracker-go/utracker/udp"
)

func main() {
	var configFilePath string
	var cpuProfilePath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "utracker",
		Short: "BitTorrent UDP Tracker",
		Long:  "A high-performance BitTorrent tracker speaking the UDP tracker protocol (BEP-15)",
		Run: func(cmd *cobra.Command, args []string) {
			if err := run(configFilePath, cpuProfilePath, debug); err != nil {
				log.Fatal(err)
			}
		},
	}

	rootCmd.Flags().StringVar(&configFilePath, "config", "/etc/utracker.yaml", "location of configuration file")
	rootCmd.Flags().StringVar(&cpuProfilePath, "cpuprofile", "", "location to save a CPU profile")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(configFilePath, cpuProfilePath string, debug bool) error {
	lg.SetDebug(debug)

	if cpuProfilePath != "" {
		f, err := os.Create(cpuProfilePath)
		if err != nil {
			return errors.Wrap(err, "failed to create CPU profile")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return errors.Wrap(err, "failed to start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfgFile, err := config.OpenConfigFile(configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	cfg := cfgFile.Utracker

	peerStore, err := storage.NewPeerStore(cfg.Storage.Name, cfg.Storage.Config)
	if err != nil {
		return errors.Wrap(err, "failed to construct storage backend")
	}

	frontend, err := udp.NewFrontend(peerStore, cfg.Tracker)
	if err != nil {
		return errors.Wrap(err, "failed to start UDP frontend")
	}

	metricsServer := metrics.NewServer(cfg.MetricsAddr)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	lg.Info("shutting down")

	if err := <-frontend.Stop(); err != nil {
		lg.Error("failed to cleanly shut down UDP frontend", lg.Err(err))
	}
	if err := <-peerStore.Stop(); err != nil {
		lg.Error("failed to cleanly shut down storage backend", lg.Err(err))
	}
	if err := <-metricsServer.Stop(); err != nil {
		lg.Error("failed to cleanly shut down metrics server", lg.Err(err))
	}

	return nil
}
