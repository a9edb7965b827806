// diagd - diagnostics log daemon
//
// diagd buffers the Whisper and theme diagnostics channels, mirrors them to
// the cache directory and exports them on request from diagctl or from a
// desktop notice action.
//
//	diagd                   Run with the default configuration file
//	diagd -config <path>    Run with an explicit configuration file
//	diagd -version          Print the version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"diagd/internal/config"
	"diagd/internal/daemon"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configPath  = flag.String("config", "", "path to config file")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("diagd %s\n", Version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `diagd - Diagnostics log daemon

Usage: diagd [options]

Options:
  -config <path>  Path to config file (default: config.toml in the config directory)
  -version        Print version and exit

Signals:
  SIGINT, SIGTERM  Shut down
  Edits to the config file change the log level without a restart.`)
}

func run() error {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", loader.Path(), err)
	}

	d, err := daemon.New(cfg, daemon.Options{Version: Version, Loader: loader})
	if err != nil {
		return err
	}
	if err := d.Start(context.Background()); err != nil {
		d.Stop(context.Background(), "startup failed")
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.Stop(ctx, sig.String())
}
