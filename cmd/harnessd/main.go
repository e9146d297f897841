package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"phobos.org.uk/harness/internal/config"
	"phobos.org.uk/harness/internal/logging"
	"phobos.org.uk/harness/internal/runtime"
	"phobos.org.uk/harness/internal/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file")
	port := flag.Int("port", 0, "Port to listen on (overrides config)")
	bind := flag.String("bind", "", "Address to bind to (overrides config)")
	kind := flag.String("runtime", "", "Runtime kind: local or remote (overrides config)")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Load config
	var cfg *config.Config
	var err error

	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	if *port > 0 {
		cfg.Port = *port
	}
	if *bind != "" {
		cfg.Bind = *bind
	}
	if *kind != "" {
		cfg.RuntimeKind = *kind
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Bind != "127.0.0.1" && cfg.Bind != "localhost" && cfg.Bind != "::1" {
		fmt.Fprintf(os.Stderr, "Warning: host bind=%q exposes unauthenticated endpoints. Prefer 127.0.0.1.\n", cfg.Bind)
	}

	logLevel := logging.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		logLevel = logging.LevelDebug
	case "warn":
		logLevel = logging.LevelWarn
	case "error":
		logLevel = logging.LevelError
	}
	log := logging.New(logging.Config{
		Output:     os.Stderr,
		Level:      logLevel,
		Component:  "harnessd",
		MaxEntries: 1000,
	})

	// Construct and initialize the runtime
	rt, err := runtime.DefaultRegistry().New(cfg.RuntimeKind, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	initTimeout := cfg.Local.StartupTimeout
	if cfg.RuntimeKind == config.RuntimeKindRemote {
		initTimeout = cfg.Remote.ConnectTimeout + cfg.Remote.ReadyTimeout
	}
	initCtx, cancelInit := context.WithTimeout(context.Background(), initTimeout)
	if err := rt.Initialize(initCtx); err != nil {
		cancelInit()
		fmt.Fprintf(os.Stderr, "Error initializing %s runtime: %v\n", cfg.RuntimeKind, err)
		os.Exit(1)
	}
	cancelInit()

	host := server.New(cfg, rt, version, log)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintf(os.Stderr, "\nShutting down...\n")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		host.Shutdown(ctx)
		os.Exit(0)
	}()

	if err := host.Start(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
