package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version information set at build time.
var version = "dev"

// Constants.
const (
	defaultPollInterval    = 30
	defaultTimeoutSeconds  = 10
	defaultEnvFile         = ".env"
	httpReadTimeout        = 15 * time.Second
	httpWriteTimeout       = 30 * time.Second
	httpIdleTimeout        = 60 * time.Second
	shutdownTimeout        = 10 * time.Second
	trueString             = "true"
	envPrefix              = "SPAN_"
	discoverWindowFlagName = "discover-window"
)

type appConfig struct {
	ipAddresses    string
	accessTokens   string
	httpPort       string
	mqttBroker     string
	mqttTopicBase  string
	mqttDeviceID   string
	mqttUsername   string
	mqttPassword   string
	logLevel       string
	logFormat      string
	pollInterval   time.Duration
	requestTimeout time.Duration
	discoverWindow time.Duration
	debugMode      bool
	showVersion    bool
	discoverOnly   bool
}

// loadEnvFile loads SPAN_ENV_FILE (default .env) into the environment.
// Variables already set win.
func loadEnvFile() {
	path := getEnvOrDefault(envPrefix+"ENV_FILE", defaultEnvFile)
	if err := godotenv.Load(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("file", path).Msg("Failed to load env file")
		}
		return
	}
	log.Info().Str("file", path).Msg("Loaded environment file")
}

func parseFlags(args []string) (*appConfig, error) {
	fs := flag.NewFlagSet("span-nodeserver", flag.ContinueOnError)

	cfg := &appConfig{}
	fs.StringVar(&cfg.ipAddresses, "ip-addresses", getEnvOrDefault(envPrefix+"IP_ADDRESSES", ""),
		"SPAN panel IP addresses separated by ';' (env: SPAN_IP_ADDRESSES)")
	fs.StringVar(&cfg.accessTokens, "access-tokens", getEnvOrDefault(envPrefix+"ACCESS_TOKENS", ""),
		"SPAN panel access tokens in the same order, separated by ';' (env: SPAN_ACCESS_TOKENS)")
	fs.StringVar(&cfg.httpPort, "http-port", getEnvOrDefault(envPrefix+"HTTP_PORT", "8080"),
		"HTTP server port for metrics, status and commands (env: SPAN_HTTP_PORT)")
	fs.StringVar(&cfg.mqttBroker, "mqtt-broker", getEnvOrDefault(envPrefix+"MQTT_BROKER", ""),
		"MQTT broker URL, e.g. tcp://localhost:1883; empty disables MQTT (env: SPAN_MQTT_BROKER)")
	fs.StringVar(&cfg.mqttTopicBase, "mqtt-topic", getEnvOrDefault(envPrefix+"MQTT_TOPIC", "homie"),
		"MQTT topic base (env: SPAN_MQTT_TOPIC)")
	fs.StringVar(&cfg.mqttDeviceID, "mqtt-device", getEnvOrDefault(envPrefix+"MQTT_DEVICE", "span"),
		"MQTT device id below the topic base (env: SPAN_MQTT_DEVICE)")
	fs.StringVar(&cfg.mqttUsername, "mqtt-username", getEnvOrDefault(envPrefix+"MQTT_USERNAME", ""),
		"MQTT username (env: SPAN_MQTT_USERNAME)")
	fs.StringVar(&cfg.mqttPassword, "mqtt-password", getEnvOrDefault(envPrefix+"MQTT_PASSWORD", ""),
		"MQTT password (env: SPAN_MQTT_PASSWORD)")
	fs.StringVar(&cfg.logLevel, "log-level", getEnvOrDefault(envPrefix+"LOG_LEVEL", "info"),
		"Log level (env: SPAN_LOG_LEVEL)")
	fs.StringVar(&cfg.logFormat, "log-format", getEnvOrDefault(envPrefix+"LOG_FORMAT", logFormatJSON),
		"Log format: json or console (env: SPAN_LOG_FORMAT)")
	fs.BoolVar(&cfg.debugMode, "debug", getEnvOrDefault(envPrefix+"DEBUG", "false") == trueString,
		"Enable debug logging (env: SPAN_DEBUG)")
	pollSeconds := fs.Int("interval", getEnvInt(envPrefix+"INTERVAL", defaultPollInterval),
		"Polling interval in seconds (env: SPAN_INTERVAL)")
	timeoutSeconds := fs.Int("timeout", getEnvInt(envPrefix+"REQUEST_TIMEOUT", defaultTimeoutSeconds),
		"Panel request timeout in seconds (env: SPAN_REQUEST_TIMEOUT)")
	fs.DurationVar(&cfg.discoverWindow, discoverWindowFlagName, discoveryWindow, "How long -discover listens")
	fs.BoolVar(&cfg.showVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.discoverOnly, "discover", false, "Discover SPAN panels on the network and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *pollSeconds <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %d", *pollSeconds)
	}
	if *timeoutSeconds <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %d", *timeoutSeconds)
	}
	cfg.pollInterval = time.Duration(*pollSeconds) * time.Second
	cfg.requestTimeout = time.Duration(*timeoutSeconds) * time.Second
	return cfg, nil
}

func getEnvOrDefault(envVar, defaultValue string) string {
	if value := os.Getenv(envVar); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(envVar string, defaultValue int) int {
	if env := os.Getenv(envVar); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	return defaultValue
}

func logStartupMessage(logger zerolog.Logger, cfg *appConfig) {
	logger.Info().
		Str("version", version).
		Str("http_port", cfg.httpPort).
		Dur("interval", cfg.pollInterval).
		Dur("timeout", cfg.requestTimeout).
		Bool("mqtt", cfg.mqttBroker != "").
		Msg("Starting SPAN node server")
	if cfg.debugMode {
		logger.Debug().Msg("Debug logging enabled")
	}
}

func runDiscovery(ctx context.Context, logger zerolog.Logger, window time.Duration) int {
	logger.Info().Dur("window", window).Msg("Searching for SPAN panels. Press Ctrl-C to cancel.")
	ips, err := DiscoverPanels(ctx, window, true)
	if err != nil {
		logger.Error().Err(err).Msg("Discovery failed")
		return 1
	}
	logger.Info().Strs("panels", ips).Msg("Panels discovered")
	fmt.Printf("SPAN_IP_ADDRESSES=%s\n", strings.Join(ips, listSeparator))
	return 0
}

func newPanelClientFactory(timeout time.Duration) func(PanelIdentity) panelAPI {
	return func(identity PanelIdentity) panelAPI {
		return NewPanelClient(identity, timeout)
	}
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	loadEnvFile()

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Error().Err(err).Msg("Invalid flags")
		return 2
	}

	if cfg.showVersion {
		fmt.Printf("span-nodeserver %s\n", version)
		return 0
	}

	logger, err := setupLogging(logConfig{Level: cfg.logLevel, Format: cfg.logFormat, Debug: cfg.debugMode}, os.Stdout)
	if err != nil {
		log.Error().Err(err).Msg("Invalid logging configuration")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.discoverOnly {
		return runDiscovery(ctx, logger, cfg.discoverWindow)
	}

	logStartupMessage(logger, cfg)
	return run(ctx, logger, cfg)
}

func run(ctx context.Context, logger zerolog.Logger, cfg *appConfig) int {
	registry := createPrometheusRegistry()
	board := NewStatusBoard(logger)

	var host Host = board
	var mqttHost *MQTTHost
	if cfg.mqttBroker != "" {
		mqttHost = NewMQTTHost(MQTTConfig{
			Broker:    cfg.mqttBroker,
			TopicBase: cfg.mqttTopicBase,
			DeviceID:  cfg.mqttDeviceID,
			Username:  cfg.mqttUsername,
			Password:  cfg.mqttPassword,
		}, logger)
		host = newMultiHost(board, mqttHost)
	}

	root := NewRootController(host, newPanelClientFactory(cfg.requestTimeout), logger)
	if mqttHost != nil {
		mqttHost.SetCommandSink(root)
	}

	server := newHTTPServer(":"+cfg.httpPort, newRouter(root, board, registry, logger))
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// A configuration error leaves the HTTP server up so the notices can be
	// read, but nothing is polled.
	var pollErr chan error
	if err := root.Configure(cfg.ipAddresses, cfg.accessTokens); err != nil {
		logger.Error().Err(err).Msg("Panels not started; fix the configuration and restart")
	} else {
		pollErr = make(chan error, 1)
		go func() { pollErr <- root.Run(runCtx, cfg.pollInterval) }()
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err, ok := <-serverErr:
		if ok {
			logger.Error().Err(err).Msg("HTTP server failed")
			exitCode = 1
		}
	case err := <-pollErr:
		if err != nil {
			logger.Error().Err(err).Msg("Polling stopped")
			exitCode = 1
		}
		pollErr = nil
	}

	cancelRun()
	if pollErr != nil {
		<-pollErr
	}

	root.Stop()
	if mqttHost != nil {
		mqttHost.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown")
	}
	return exitCode
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}
}
