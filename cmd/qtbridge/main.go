package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meowcat-dev/qtbridge/pkg/bridge"
	"github.com/meowcat-dev/qtbridge/pkg/bridgecfg"
)

// Filled at build time with the -X linker flag.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	defaultConfig := "config.yaml"
	if env := os.Getenv("QTBRIDGE_CONFIG"); env != "" {
		defaultConfig = env
	}
	configPath := flag.String("config", defaultConfig, "path to the configuration file")
	genExample := flag.Bool("example-config", false, "print the example configuration and exit")
	version := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *version {
		fmt.Printf("qtbridge %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *genExample {
		fmt.Print(bridgecfg.ExampleConfig)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := bridgecfg.Load(configPath)
	if err != nil {
		return err
	}
	log, err := cfg.CompileLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bridge.New(ctx, *log, cfg)
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		b.Stop()
		return err
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")
	b.Stop()
	return nil
}
