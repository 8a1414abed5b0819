// Package config loads the enclave boundary configuration from a YAML file,
// an optional .env file and TEE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// EnvPrefix prefixes every configuration environment variable. A double
// underscore separates levels: TEE_ENCLAVE__MAX_SLOTS sets enclave.max_slots.
const EnvPrefix = "TEE_"

const MaxSlots = 64

// Config is read-only after Load.
type Config struct {
	Enclave     *EnclaveConfig     `koanf:"enclave"`
	Attestation *AttestationConfig `koanf:"attestation"`
	Sealing     *SealingConfig     `koanf:"sealing"`
	Keys        *KeysConfig        `koanf:"keys"`
	Executor    *ExecutorConfig    `koanf:"executor"`
	Storage     *StorageConfig     `koanf:"storage"`
	Transport   *TransportConfig   `koanf:"transport"`
	Server      *ServerConfig      `koanf:"server"`
	Metrics     *MetricsConfig     `koanf:"metrics"`
	Log         *LogConfig         `koanf:"log"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	type section struct {
		name string
		v    interface{ Validate() error }
		set  bool
	}
	sections := []section{
		{"enclave", cfg.Enclave, cfg.Enclave != nil},
		{"attestation", cfg.Attestation, cfg.Attestation != nil},
		{"sealing", cfg.Sealing, cfg.Sealing != nil},
		{"keys", cfg.Keys, cfg.Keys != nil},
		{"executor", cfg.Executor, cfg.Executor != nil},
		{"storage", cfg.Storage, cfg.Storage != nil},
		{"transport", cfg.Transport, cfg.Transport != nil},
		{"server", cfg.Server, cfg.Server != nil},
		{"metrics", cfg.Metrics, cfg.Metrics != nil},
	}
	for _, s := range sections {
		if !s.set {
			continue
		}
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	if cfg.Enclave != nil && cfg.Enclave.ParsedMode() == interfaces.ModeHardware &&
		cfg.Enclave.RootSource.Source != "shamir" {
		return fmt.Errorf("enclave: the %s root source is refused in hardware mode", cfg.Enclave.RootSource.Source)
	}
	return nil
}

// RootSourceConfig selects where the enclave root secret comes from.
type RootSourceConfig struct {
	// Source is placeholder, file or shamir.
	Source       string   `koanf:"source"`
	Path         string   `koanf:"path"`
	Threshold    int      `koanf:"threshold"`
	AdminPubKeys []string `koanf:"admin_pubkeys"`
}

type EnclaveConfig struct {
	Mode      string `koanf:"mode"`
	Platform  string `koanf:"platform"`
	EnclaveID string `koanf:"enclave_id"`
	ImagePath string `koanf:"image_path"`

	RNGDevice        string `koanf:"rng_device"`
	QuoteProviderURL string `koanf:"quote_provider_url"`

	ProbeTimeout time.Duration `koanf:"probe_timeout"`
	// MaxSlots bounds concurrent calls into the enclave.
	MaxSlots     int64         `koanf:"max_slots"`
	SlotWatchdog time.Duration `koanf:"slot_watchdog"`

	RootSource RootSourceConfig `koanf:"root_source"`
}

func (cfg *EnclaveConfig) Validate() error {
	if _, err := interfaces.ParseMode(cfg.Mode); err != nil {
		return err
	}
	if cfg.MaxSlots < 1 || cfg.MaxSlots > MaxSlots {
		return fmt.Errorf("max_slots must be between 1 and %d", MaxSlots)
	}
	if cfg.SlotWatchdog <= 0 {
		return errors.New("slot_watchdog must be positive")
	}
	switch cfg.RootSource.Source {
	case "placeholder":
	case "file":
		if cfg.RootSource.Path == "" {
			return errors.New("root_source.path is required for the file source")
		}
	case "shamir":
		if cfg.RootSource.Threshold < 2 || len(cfg.RootSource.AdminPubKeys) < cfg.RootSource.Threshold {
			return errors.New("shamir root source needs threshold >= 2 and at least threshold admin keys")
		}
	default:
		return fmt.Errorf("unknown root source %q", cfg.RootSource.Source)
	}
	return nil
}

// ParsedMode returns the validated mode.
func (cfg *EnclaveConfig) ParsedMode() interfaces.Mode {
	mode, _ := interfaces.ParseMode(cfg.Mode)
	return mode
}

type AttestationConfig struct {
	ExpectedMeasurements []string      `koanf:"expected_measurements"`
	AcceptSimulation     bool          `koanf:"accept_simulation"`
	MaxAge               time.Duration `koanf:"max_age"`
}

func (cfg *AttestationConfig) Validate() error {
	if _, err := parseMeasurements(cfg.ExpectedMeasurements); err != nil {
		return fmt.Errorf("expected_measurements: %w", err)
	}
	if cfg.MaxAge < 0 {
		return errors.New("max_age must not be negative")
	}
	return nil
}

// Measurements returns the parsed allow-list.
func (cfg *AttestationConfig) Measurements() []interfaces.Measurement {
	m, _ := parseMeasurements(cfg.ExpectedMeasurements)
	return m
}

type SealingConfig struct {
	MigrationMeasurements []string `koanf:"migration_measurements"`
	MaxPlaintextBytes     int      `koanf:"max_plaintext_bytes"`
}

func (cfg *SealingConfig) Validate() error {
	if _, err := parseMeasurements(cfg.MigrationMeasurements); err != nil {
		return fmt.Errorf("migration_measurements: %w", err)
	}
	if cfg.MaxPlaintextBytes <= 0 {
		return errors.New("max_plaintext_bytes must be positive")
	}
	return nil
}

// Migrations returns the parsed migration measurements.
func (cfg *SealingConfig) Migrations() []interfaces.Measurement {
	m, _ := parseMeasurements(cfg.MigrationMeasurements)
	return m
}

// KeySpec names a key the enclave creates at startup when it is missing.
type KeySpec struct {
	KeyID       string `koanf:"key_id"`
	Algorithm   string `koanf:"algorithm"`
	Usage       string `koanf:"usage"`
	Description string `koanf:"description"`
}

type KeysConfig struct {
	Ensure []KeySpec `koanf:"ensure"`
}

func (cfg *KeysConfig) Validate() error {
	for i, spec := range cfg.Ensure {
		if spec.KeyID == "" {
			return fmt.Errorf("ensure[%d]: key_id is required", i)
		}
		if _, err := interfaces.ParseKeyAlgorithm(spec.Algorithm); err != nil {
			return fmt.Errorf("ensure[%d]: %w", i, err)
		}
		if _, err := interfaces.ParseKeyUsage(spec.Usage); err != nil {
			return fmt.Errorf("ensure[%d]: %w", i, err)
		}
	}
	return nil
}

type ExecutorConfig struct {
	DefaultTimeout     time.Duration `koanf:"default_timeout"`
	MaxTimeout         time.Duration `koanf:"max_timeout"`
	DefaultMemoryBytes uint64        `koanf:"default_memory_bytes"`
	MaxMemoryBytes     uint64        `koanf:"max_memory_bytes"`
	MaxScriptBytes     int           `koanf:"max_script_bytes"`
	MaxOutputBytes     int           `koanf:"max_output_bytes"`
	JobRetention       int           `koanf:"job_retention"`
}

func (cfg *ExecutorConfig) Validate() error {
	if cfg.DefaultTimeout <= 0 || cfg.MaxTimeout < cfg.DefaultTimeout {
		return errors.New("need 0 < default_timeout <= max_timeout")
	}
	if cfg.DefaultMemoryBytes == 0 || cfg.MaxMemoryBytes < cfg.DefaultMemoryBytes {
		return errors.New("need 0 < default_memory_bytes <= max_memory_bytes")
	}
	if cfg.JobRetention <= 0 {
		return errors.New("job_retention must be positive")
	}
	return nil
}

type StorageConfig struct {
	// Locations are blob store URIs. Several locations form a multi-store
	// that writes to all and reads from the first that has the blob.
	Locations []string `koanf:"locations"`
}

func (cfg *StorageConfig) Validate() error {
	for _, uri := range cfg.Locations {
		if _, err := interfaces.NewStorageBackendLocation(uri); err != nil {
			return fmt.Errorf("location %q: %w", redact(uri), err)
		}
	}
	return nil
}

const (
	TransportSimulated = "simulated"
	TransportVsock     = "vsock"
	TransportRemote    = "remote"
	TransportTCP       = "tcp"
)

type TransportConfig struct {
	// Kind is simulated, vsock, tcp or remote.
	Kind            string        `koanf:"kind"`
	MaxPayloadBytes int           `koanf:"max_payload_bytes"`
	Timeout         time.Duration `koanf:"timeout"`

	VsockCID  uint32 `koanf:"vsock_cid"`
	VsockPort uint32 `koanf:"vsock_port"`

	// TCPAddr is where the enclave serves frames when Kind is tcp.
	TCPAddr string `koanf:"tcp_addr"`

	RemoteURLs []string `koanf:"remote_urls"`
	RemoteSRV  string   `koanf:"remote_srv"`
	DNSServer  string   `koanf:"dns_server"`
}

func (cfg *TransportConfig) Validate() error {
	switch cfg.Kind {
	case TransportSimulated, TransportVsock:
	case TransportTCP:
		if cfg.TCPAddr == "" {
			return errors.New("tcp transport needs tcp_addr")
		}
	case TransportRemote:
		if len(cfg.RemoteURLs) == 0 && cfg.RemoteSRV == "" {
			return errors.New("remote transport needs remote_urls or remote_srv")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
	if cfg.MaxPayloadBytes <= 0 {
		return errors.New("max_payload_bytes must be positive")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

type ServerConfig struct {
	ListenAddr               string        `koanf:"listen_addr"`
	EnablePprof              bool          `koanf:"enable_pprof"`
	DrainDuration            time.Duration `koanf:"drain_duration"`
	GracefulShutdownDuration time.Duration `koanf:"graceful_shutdown_duration"`
	ReadTimeout              time.Duration `koanf:"read_timeout"`
	WriteTimeout             time.Duration `koanf:"write_timeout"`
}

func (cfg *ServerConfig) Validate() error {
	if cfg.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	return nil
}

type MetricsConfig struct {
	// Addr is empty to disable the metrics server.
	Addr      string `koanf:"addr"`
	Namespace string `koanf:"namespace"`
}

func (cfg *MetricsConfig) Validate() error {
	if cfg.Addr != "" && cfg.Namespace == "" {
		return errors.New("namespace is required")
	}
	return nil
}

type LogConfig struct {
	Debug   bool   `koanf:"debug"`
	JSON    bool   `koanf:"json"`
	Service string `koanf:"service"`
}

// Defaults is the configuration every source is merged onto.
func Defaults() map[string]any {
	return map[string]any{
		"enclave.mode":               string(interfaces.ModeSimulated),
		"enclave.enclave_id":         "tee-enclave",
		"enclave.probe_timeout":      "5s",
		"enclave.max_slots":          4,
		"enclave.slot_watchdog":      "30s",
		"enclave.root_source.source": "placeholder",

		"attestation.max_age": "5m",

		"sealing.max_plaintext_bytes": 1 << 20,

		"executor.default_timeout":      "5s",
		"executor.max_timeout":          "60s",
		"executor.default_memory_bytes": 64 << 20,
		"executor.max_memory_bytes":     512 << 20,
		"executor.max_script_bytes":     256 << 10,
		"executor.max_output_bytes":     1 << 20,
		"executor.job_retention":        1024,

		"storage.locations": []string{"file://./data/sealed"},

		"transport.kind":              TransportSimulated,
		"transport.max_payload_bytes": interfaces.DefaultMaxPayloadBytes,
		"transport.timeout":           "60s",
		"transport.vsock_cid":         16,
		"transport.vsock_port":        5000,
		"transport.tcp_addr":          "127.0.0.1:5000",

		"server.listen_addr":                "127.0.0.1:8080",
		"server.drain_duration":             "15s",
		"server.graceful_shutdown_duration": "30s",
		"server.read_timeout":               "60s",
		"server.write_timeout":              "30s",

		"metrics.addr":      "127.0.0.1:8090",
		"metrics.namespace": "tee_enclave",

		"log.service": "tee-enclave",
	}
}

// Load reads defaults, then the YAML file at path (skipped when empty),
// then .env, then TEE_ environment variables, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	var providers []koanf.Provider
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		providers = append(providers, file.Provider(path))
	}
	return initConfig(providers...)
}

func initConfig(yamlProviders ...koanf.Provider) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, err
	}

	for _, p := range yamlProviders {
		if err := k.Load(p, yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// `__` is used as a hierarchy delimiter.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}
	if config.Log == nil {
		config.Log = &LogConfig{}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func parseMeasurements(in []string) ([]interfaces.Measurement, error) {
	out := make([]interfaces.Measurement, 0, len(in))
	for _, s := range in {
		m, err := interfaces.NewMeasurementFromHex(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func redact(uri string) string {
	if i := strings.Index(uri, "@"); i >= 0 {
		if j := strings.Index(uri, "://"); j >= 0 && j < i {
			return uri[:j+3] + "***" + uri[i:]
		}
	}
	return uri
}
