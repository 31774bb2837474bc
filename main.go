package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

var (
	version     = flag.Bool("version", false, "Print version info")
	help        = flag.Bool("help", false, "Print help")
	configPath  = flag.String("config", "", "Path to TOML config file")
	logLevel    = flag.Int("log", 3, "Log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")
	dbPath      = flag.String("db", "", "Blackbox database path (overrides config)")
	redisServer = flag.String("redis_server", "", "Redis server address; enables the Redis mirror")
	redisPort   = flag.Int("redis_port", 0, "Redis server port")
	canDevice   = flag.String("can_device", "", "CAN device name; enables status frames")
	httpAddr    = flag.String("http_addr", "", "HTTP listen address (overrides config)")
)

const (
	ProjectName    = "ecu-sentinel"
	ProjectVersion = "1.0.0"
)

func printVersion() {
	fmt.Printf("%s v%s\n", ProjectName, ProjectVersion)
}

func printHelp() {
	printVersion()
	flag.PrintDefaults()
}

// applyFlags lets command line flags override the file config.
func applyFlags(cfg *Config) {
	if *dbPath != "" {
		cfg.Blackbox.Path = *dbPath
	}
	if *redisServer != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Server = *redisServer
	}
	if *redisPort != 0 {
		cfg.Redis.Port = *redisPort
	}
	if *canDevice != "" {
		cfg.CAN.Enabled = true
		cfg.CAN.Device = *canDevice
	}
	if *httpAddr != "" {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Addr = *httpAddr
	}
}

func main() {
	flag.Parse()

	if *version {
		printVersion()
		os.Exit(0)
	}

	if *help {
		printHelp()
		os.Exit(0)
	}

	// Validate log level
	if *logLevel < 0 || *logLevel > 4 {
		log.Fatalf("invalid log level %d", *logLevel)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	opts := &Options{
		LogLevel: LogLevel(*logLevel),
		Config:   cfg,
	}

	app, err := NewSentinelApp(opts)
	if err != nil {
		log.Fatalf("failed to create sentinel app: %v", err)
	}

	// Handle SIGINT and SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- app.Run() }()

	select {
	case sig := <-sigChan:
		app.log.Info("Received %v, shutting down", sig)
	case err := <-done:
		if err != nil {
			app.log.Error("Sentinel stopped: %v", err)
		}
	}

	if err := app.Destroy(); err != nil {
		app.log.Error("Shutdown incomplete: %v", err)
		os.Exit(1)
	}
}
