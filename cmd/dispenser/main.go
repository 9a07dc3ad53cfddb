package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/sauron-health/dispenser/internal/advice"
	"github.com/sauron-health/dispenser/internal/api"
	"github.com/sauron-health/dispenser/internal/controller"
	"github.com/sauron-health/dispenser/internal/lockfile"
	"github.com/sauron-health/dispenser/internal/shared"
	"github.com/sauron-health/dispenser/internal/store"
	"github.com/sauron-health/dispenser/internal/uart"
	"github.com/sauron-health/dispenser/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for dispenser state data
	DefaultStateDir = "/var/lib/dispenser"
	// DefaultAuditDBFileName is the default SQLite audit database filename
	DefaultAuditDBFileName = "audit.db"
	// DefaultContextDirName holds environment context files under the state directory
	DefaultContextDirName = "general_data"
	// DefaultHandoffDirName holds the recognition-process handoff files
	DefaultHandoffDirName = "shared"
	// DefaultLogsDirName holds the JSONL audit logs
	DefaultLogsDirName = "logs"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping dispenser controller")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"audit_driver", *flags.auditDriver,
		"uart_port", *flags.uartPort,
		"serial_enabled", *flags.serialEnabled,
		"api_addr", *flags.apiAddr)
	if err := run(flags); err != nil {
		slog.Error("Dispenser failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Dispenser exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	ContextDir      string
	AuditDriver     string
	AuditDSN        string
	OpenAIKey       string
	APIAddr         string
	UARTPort        string
	UARTBaud        int
	UARTProtocol    string
	UARTTimeoutS    float64
	SerialEnabled   bool
	OfflineFallback bool
	DistanceM       float64
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	contextDir      *string
	auditDriver     *string
	auditDSN        *string
	openaiKey       *string
	apiAddr         *string
	uartPort        *string
	uartBaud        *int
	uartProtocol    *string
	uartTimeoutS    *float64
	serialEnabled   *bool
	offlineFallback *bool
	distanceM       *float64
}

// initializeLogger sets up structured logging with debug level. LOG_FORMAT
// selects the handler: "json" for machine-readable output, anything else
// gets the tint handler for readable terminal logs.
func initializeLogger() {
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug, TimeFormat: time.Kitchen})
	}
	slog.SetDefault(slog.New(handler))
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:        os.Getenv("DISPENSER_STATE_DIR"),
		ContextDir:      os.Getenv("CONTEXT_DATA_DIR"),
		AuditDriver:     os.Getenv("AUDIT_DB_DRIVER"),
		AuditDSN:        os.Getenv("AUDIT_DB_DSN"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		APIAddr:         os.Getenv("API_ADDR"),
		UARTPort:        os.Getenv("UART_PORT"),
		UARTBaud:        util.ParseIntEnv("UART_BAUD", uart.DefaultBaud),
		UARTProtocol:    os.Getenv("UART_PROTOCOL"),
		UARTTimeoutS:    util.ParseFloatEnv("UART_TIMEOUT_S", uart.DefaultTimeout.Seconds()),
		SerialEnabled:   util.ParseBoolEnv("UART_SERIAL_ENABLED", true),
		OfflineFallback: util.ParseBoolEnv("UART_OFFLINE_FALLBACK", true),
		DistanceM:       util.ParseFloatEnv("DISTANCE_THRESHOLD_M", controller.DefaultDistanceThresholdM),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No DISPENSER_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("DISPENSER_STATE_DIR found in environment", "state_dir", config.StateDir)
	}
	if config.ContextDir == "" {
		config.ContextDir = filepath.Join(config.StateDir, DefaultContextDirName)
	}
	if config.UARTPort == "" {
		config.UARTPort = uart.DefaultPort
	}
	if config.UARTProtocol == "" {
		config.UARTProtocol = uart.ProtocolJSON
	}

	slog.Debug("environment variables loaded",
		"DISPENSER_STATE_DIR", config.StateDir,
		"CONTEXT_DATA_DIR", config.ContextDir,
		"AUDIT_DB_DRIVER", config.AuditDriver,
		"AUDIT_DB_DSN_SET", config.AuditDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"UART_PORT", config.UARTPort,
		"UART_BAUD", config.UARTBaud,
		"UART_PROTOCOL", config.UARTProtocol,
		"UART_SERIAL_ENABLED", config.SerialEnabled,
		"UART_OFFLINE_FALLBACK", config.OfflineFallback)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for dispenser data (overrides $DISPENSER_STATE_DIR)"),
		contextDir:      flag.String("context-dir", config.ContextDir, "directory with environment context files for advice (overrides $CONTEXT_DATA_DIR)"),
		auditDriver:     flag.String("audit-driver", config.AuditDriver, "audit backend: jsonl, sqlite or postgres (overrides $AUDIT_DB_DRIVER)"),
		auditDSN:        flag.String("audit-dsn", config.AuditDSN, "audit database DSN (overrides $AUDIT_DB_DSN)"),
		openaiKey:       flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for advice generation (overrides $OPENAI_API_KEY)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		uartPort:        flag.String("uart-port", config.UARTPort, "serial device for the motor-control board (overrides $UART_PORT)"),
		uartBaud:        flag.Int("uart-baud", config.UARTBaud, "serial baud rate (overrides $UART_BAUD)"),
		uartProtocol:    flag.String("uart-protocol", config.UARTProtocol, "wire protocol: frame or json (overrides $UART_PROTOCOL)"),
		uartTimeoutS:    flag.Float64("uart-timeout", config.UARTTimeoutS, "serial exchange timeout in seconds (overrides $UART_TIMEOUT_S)"),
		serialEnabled:   flag.Bool("serial-enabled", config.SerialEnabled, "enable the physical serial link (overrides $UART_SERIAL_ENABLED)"),
		offlineFallback: flag.Bool("offline-fallback", config.OfflineFallback, "absorb transport failures into simulated acks (overrides $UART_OFFLINE_FALLBACK)"),
		distanceM:       flag.Float64("distance-threshold", config.DistanceM, "approach distance threshold in meters (overrides $DISTANCE_THRESHOLD_M)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"contextDir", *flags.contextDir,
		"auditDriver", *flags.auditDriver,
		"auditDSN_set", *flags.auditDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"uartPort", *flags.uartPort,
		"uartBaud", *flags.uartBaud,
		"uartProtocol", *flags.uartProtocol,
		"uartTimeoutS", *flags.uartTimeoutS,
		"serialEnabled", *flags.serialEnabled,
		"offlineFallback", *flags.offlineFallback,
		"distanceM", *flags.distanceM)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dir := range []string{*flags.stateDir, *flags.contextDir} {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildAuditStore selects the audit backend by driver name. An empty driver
// means JSONL files in the state directory, which needs no external service.
func buildAuditStore(flags Flags) (store.AuditStore, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(*flags.auditDriver))
	switch driver {
	case "", "jsonl":
		s, err := store.NewJSONLAuditStore(filepath.Join(*flags.stateDir, DefaultLogsDirName))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create JSONL audit store: %w", err)
		}
		return s, func() {}, nil
	case "sqlite", "sqlite3":
		dsn := *flags.auditDSN
		if dsn == "" {
			dsn = filepath.Join(*flags.stateDir, DefaultAuditDBFileName)
		}
		s, err := store.NewSQLiteAuditStore(store.WithDSN(dsn))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SQLite audit store: %w", err)
		}
		return s, func() { s.Close() }, nil
	case "postgres", "postgresql":
		if *flags.auditDSN == "" {
			return nil, nil, fmt.Errorf("audit driver %q requires a DSN", driver)
		}
		s, err := store.NewPostgresAuditStore(store.WithDSN(*flags.auditDSN))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Postgres audit store: %w", err)
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit driver %q", driver)
	}
}

// buildTransportOptions constructs UART transport configuration options
func buildTransportOptions(flags Flags) []uart.Option {
	opts := []uart.Option{
		uart.WithPort(*flags.uartPort),
		uart.WithBaud(*flags.uartBaud),
		uart.WithProtocol(*flags.uartProtocol),
		uart.WithSerialEnabled(*flags.serialEnabled),
		uart.WithOfflineFallback(*flags.offlineFallback),
	}
	if *flags.uartTimeoutS > 0 {
		opts = append(opts, uart.WithTimeout(time.Duration(*flags.uartTimeoutS*float64(time.Second))))
	}
	return opts
}

// run wires the stores, transport and controller together and serves the
// API until a termination signal arrives.
func run(flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return fmt.Errorf("failed to acquire state directory lock: %w", err)
	}
	defer lock.Release()

	profiles, err := store.NewFileProfileStore(*flags.stateDir)
	if err != nil {
		return fmt.Errorf("failed to create profile store: %w", err)
	}

	audit, closeAudit, err := buildAuditStore(flags)
	if err != nil {
		return err
	}
	defer closeAudit()

	handoff, err := shared.New(filepath.Join(*flags.stateDir, DefaultHandoffDirName))
	if err != nil {
		return fmt.Errorf("failed to create handoff directory: %w", err)
	}

	transport := uart.NewTransport(buildTransportOptions(flags)...)

	// Without an API key the controller falls back to the local rule engine,
	// so a missing key is a mode of operation, not a startup failure.
	var adviceClient *advice.Client
	if *flags.openaiKey != "" {
		adviceClient, err = advice.NewClient(advice.WithAPIKey(*flags.openaiKey))
		if err != nil {
			slog.Warn("Advice client unavailable, using local rule engine", "error", err)
			adviceClient = nil
		}
	} else {
		slog.Info("No OpenAI API key configured, advice uses the local rule engine")
	}

	c := controller.New(
		controller.WithProfileStore(profiles),
		controller.WithAuditStore(audit),
		controller.WithTransport(transport),
		controller.WithAdviceClient(adviceClient),
		controller.WithHandoff(handoff),
		controller.WithContextDir(*flags.contextDir),
		controller.WithDistanceThreshold(*flags.distanceM),
	)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(c, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx)
}
