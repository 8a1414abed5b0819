package flags

import (
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/config"
	"github.com/ruteri/tee-enclave-boundary/httpserver"
	"github.com/urfave/cli/v2"
)

// SetupLogger builds the process logger. Command line flags override the
// log section of the configuration file.
func SetupLogger(cCtx *cli.Context, cfg *config.LogConfig) (log *slog.Logger) {
	return setupLogger(cCtx, cfg, os.Stdout)
}

// SetupClientLogger logs to stderr so that command output on stdout stays
// machine-readable.
func SetupClientLogger(cCtx *cli.Context) *slog.Logger {
	return setupLogger(cCtx, nil, os.Stderr)
}

func setupLogger(cCtx *cli.Context, cfg *config.LogConfig, out io.Writer) *slog.Logger {
	opts := &common.LoggingOpts{Version: common.Version, Output: out}
	if cfg != nil {
		opts.Debug = cfg.Debug
		opts.JSON = cfg.JSON
		opts.Service = cfg.Service
	}
	if cCtx.IsSet(LogJsonFlag.Name) {
		opts.JSON = cCtx.Bool(LogJsonFlag.Name)
	}
	if cCtx.IsSet(LogDebugFlag.Name) {
		opts.Debug = cCtx.Bool(LogDebugFlag.Name)
	}
	if cCtx.IsSet(LogServiceFlag.Name) {
		opts.Service = cCtx.String(LogServiceFlag.Name)
	}

	logger := common.SetupLogger(opts)

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// LoadConfig loads the file named by --config, defaults and TEE_ env.
func LoadConfig(cCtx *cli.Context) (*config.Config, error) {
	return config.Load(cCtx.String(ConfigFlag.Name))
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, cfg *config.Config) *httpserver.HTTPServerConfig {
	listenAddr := cfg.Server.ListenAddr
	if cCtx.IsSet(ListenAddrFlag.Name) {
		listenAddr = cCtx.String(ListenAddrFlag.Name)
	}
	metricsAddr := cfg.Metrics.Addr
	if cCtx.IsSet(MetricsAddrFlag.Name) {
		metricsAddr = cCtx.String(MetricsAddrFlag.Name)
	}

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		MetricsNamespace:         cfg.Metrics.Namespace,
		Log:                      logger,
		EnablePprof:              cfg.Server.EnablePprof || cCtx.Bool(PprofFlag.Name),
		DrainDuration:            cfg.Server.DrainDuration,
		GracefulShutdownDuration: cfg.Server.GracefulShutdownDuration,
		ReadTimeout:              cfg.Server.ReadTimeout,
		WriteTimeout:             cfg.Server.WriteTimeout,
		ReadinessTimeout:         cfg.Enclave.ProbeTimeout,
	}
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	EnvVars: []string{"TEE_CONFIG"},
	Usage:   "YAML configuration file; defaults and TEE_ environment variables apply without one",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Usage: "address to listen on for API (overrides server.listen_addr)",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Usage: "address to listen on for Prometheus metrics (overrides metrics.addr)",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var CommonFlags = append([]cli.Flag{
	ConfigFlag,
	PprofFlag,
	MetricsAddrFlag,
	ListenAddrFlag,
}, LogFlags...)
