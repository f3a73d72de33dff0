// Command connector loads the MISP synchronization connector's viper
// configuration, logs how many instances it found, and waits for SIGINT or
// SIGTERM; it does not build a Scheduler or run any synchronization. A real deployment
// embeds the misp package directly in the host platform and supplies its
// own platform.AlertStore/CaseStore/ArtifactStore/AttachmentStore/TempStore
// implementations instead of this command; it exists to exercise
// configuration loading end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/misp-sync/connector/misp"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		if env := os.Getenv("MISP_CONNECTOR_CONFIG"); env != "" {
			configFile = env
		} else {
			configFile = "/etc/misp-connector/config.yaml"
		}
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read configuration %s: %v\n", configFile, err)
		os.Exit(1)
	}

	cfg, err := misp.LoadConfig(v, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log.WithField("instances", len(cfg.Instances)).Info("loaded misp connector configuration")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	// A real host wires its own AlertStore/CaseStore/TempStore/readiness
	// gate here; this entrypoint exists to exercise configuration loading,
	// not to replace the platform's process lifecycle wiring (§1
	// non-goals).
	_ = cfg

	<-ctx.Done()
}
