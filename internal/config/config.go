package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type ModelConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, http
	Path            string `yaml:"path"`
	Device          string `yaml:"device"`
	Command         string `yaml:"command"`
	Endpoint        string `yaml:"endpoint"`
	LoadAttempts    int    `yaml:"load_attempts"`
	LoadBackoffMS   int    `yaml:"load_backoff_ms"`
	InferenceSlots  int    `yaml:"inference_slots"`
	EmbedTimeoutMS  int    `yaml:"embed_timeout_ms"`
	MockDimension   int    `yaml:"mock_dimension"`
	MockLoadDelayMS int    `yaml:"mock_load_delay_ms"`
}

type AudioConfig struct {
	SampleRate     int      `yaml:"sample_rate"`
	MinDurationSec float64  `yaml:"min_duration_sec"`
	MaxDurationSec float64  `yaml:"max_duration_sec"`
	MaxFileSize    int64    `yaml:"max_file_size"`
	AllowedExts    []string `yaml:"allowed_extensions"`
	FetchTimeoutMS int      `yaml:"fetch_timeout_ms"`
	LocalRoot      string   `yaml:"local_root"`
	StageDir       string   `yaml:"stage_dir"`
}

type VerifyConfig struct {
	Threshold        float64 `yaml:"threshold"`
	NarrowBand       float64 `yaml:"confidence_narrow_band"`
	WideBand         float64 `yaml:"confidence_wide_band"`
	BatchConcurrency int     `yaml:"batch_concurrency"`
}

type MonitorConfig struct {
	HistorySize int `yaml:"history_size"`
}

type AuditLogConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type EventsConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	StoreDir       string   `yaml:"store_dir"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Model       ModelConfig     `yaml:"model"`
	Audio       AudioConfig     `yaml:"audio"`
	Verify      VerifyConfig    `yaml:"verify"`
	Monitor     MonitorConfig   `yaml:"monitor"`
	AuditLog    AuditLogConfig  `yaml:"audit_log"`
	Events      EventsConfig    `yaml:"events"`
}

func Default() Config {
	return Config{
		ServiceName: "voicegate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Model: ModelConfig{
			Mode:           "mock",
			Device:         "cpu",
			LoadAttempts:   2,
			LoadBackoffMS:  500,
			InferenceSlots: 4,
			EmbedTimeoutMS: 45000,
			MockDimension:  192,
		},
		Audio: AudioConfig{
			SampleRate:     16000,
			MinDurationSec: 0.5,
			MaxDurationSec: 30,
			MaxFileSize:    50 << 20,
			AllowedExts:    []string{"wav", "mp3", "flac", "m4a", "ogg", "wma", "aac"},
			FetchTimeoutMS: 10000,
			LocalRoot:      "./audio",
			StageDir:       os.TempDir(),
		},
		Verify: VerifyConfig{
			Threshold:        0.5,
			NarrowBand:       0.05,
			WideBand:         0.2,
			BatchConcurrency: 4,
		},
		Monitor: MonitorConfig{
			HistorySize: 100,
		},
		AuditLog: AuditLogConfig{
			Path:          "./data/voicegate-requests.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxRecords:    100000,
		},
		Events: EventsConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			StoreDir:       "./data/nats",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "VOICEGATE_SERVICE_NAME")
	overrideString(&cfg.Environment, "VOICEGATE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEGATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEGATE_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "VOICEGATE_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEGATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEGATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEGATE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICEGATE_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Model.Mode, "VOICEGATE_MODEL_MODE")
	overrideString(&cfg.Model.Path, "VOICEGATE_MODEL_PATH")
	overrideString(&cfg.Model.Device, "VOICEGATE_MODEL_DEVICE")
	overrideString(&cfg.Model.Command, "VOICEGATE_MODEL_COMMAND")
	overrideString(&cfg.Model.Endpoint, "VOICEGATE_MODEL_ENDPOINT")
	overrideInt(&cfg.Model.LoadAttempts, "VOICEGATE_MODEL_LOAD_ATTEMPTS")
	overrideInt(&cfg.Model.LoadBackoffMS, "VOICEGATE_MODEL_LOAD_BACKOFF_MS")
	overrideInt(&cfg.Model.InferenceSlots, "VOICEGATE_MODEL_INFERENCE_SLOTS")
	overrideInt(&cfg.Model.EmbedTimeoutMS, "VOICEGATE_MODEL_EMBED_TIMEOUT_MS")
	overrideInt(&cfg.Audio.SampleRate, "VOICEGATE_AUDIO_SAMPLE_RATE")
	overrideFloat(&cfg.Audio.MinDurationSec, "VOICEGATE_AUDIO_MIN_DURATION_SEC")
	overrideFloat(&cfg.Audio.MaxDurationSec, "VOICEGATE_AUDIO_MAX_DURATION_SEC")
	overrideInt64(&cfg.Audio.MaxFileSize, "VOICEGATE_AUDIO_MAX_FILE_SIZE")
	overrideStringSlice(&cfg.Audio.AllowedExts, "VOICEGATE_AUDIO_ALLOWED_EXTENSIONS")
	overrideInt(&cfg.Audio.FetchTimeoutMS, "VOICEGATE_AUDIO_FETCH_TIMEOUT_MS")
	overrideString(&cfg.Audio.LocalRoot, "VOICEGATE_AUDIO_LOCAL_ROOT")
	overrideString(&cfg.Audio.StageDir, "VOICEGATE_AUDIO_STAGE_DIR")
	overrideFloat(&cfg.Verify.Threshold, "VOICEGATE_VERIFY_THRESHOLD")
	overrideFloat(&cfg.Verify.NarrowBand, "VOICEGATE_VERIFY_CONFIDENCE_NARROW_BAND")
	overrideFloat(&cfg.Verify.WideBand, "VOICEGATE_VERIFY_CONFIDENCE_WIDE_BAND")
	overrideInt(&cfg.Verify.BatchConcurrency, "VOICEGATE_VERIFY_BATCH_CONCURRENCY")
	overrideInt(&cfg.Monitor.HistorySize, "VOICEGATE_MONITOR_HISTORY_SIZE")
	overrideString(&cfg.AuditLog.Path, "VOICEGATE_AUDIT_LOG_PATH")
	overrideString(&cfg.AuditLog.RetentionMode, "VOICEGATE_AUDIT_LOG_RETENTION_MODE")
	overrideInt(&cfg.AuditLog.RetentionDays, "VOICEGATE_AUDIT_LOG_RETENTION_DAYS")
	overrideInt(&cfg.AuditLog.MaxRecords, "VOICEGATE_AUDIT_LOG_MAX_RECORDS")
	overrideBool(&cfg.AuditLog.VacuumOnStart, "VOICEGATE_AUDIT_LOG_VACUUM_ON_START")
	overrideBool(&cfg.Events.Enabled, "VOICEGATE_EVENTS_ENABLED")
	overrideBool(&cfg.Events.Embedded, "VOICEGATE_EVENTS_EMBEDDED")
	overrideInt(&cfg.Events.Port, "VOICEGATE_EVENTS_PORT")
	overrideStringSlice(&cfg.Events.Servers, "VOICEGATE_EVENTS_SERVERS")
	overrideString(&cfg.Events.Username, "VOICEGATE_EVENTS_USERNAME")
	overrideString(&cfg.Events.Password, "VOICEGATE_EVENTS_PASSWORD")
	overrideString(&cfg.Events.Token, "VOICEGATE_EVENTS_TOKEN")
	overrideBool(&cfg.Events.TLSInsecure, "VOICEGATE_EVENTS_TLS_INSECURE")
	overrideInt(&cfg.Events.ConnectTimeout, "VOICEGATE_EVENTS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Events.StoreDir, "VOICEGATE_EVENTS_STORE_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Model.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("model.mode must be one of mock|exec|http")
	}
	if cfg.Model.Mode == "exec" && cfg.Model.Command == "" {
		return errors.New("model.command must be set when mode=exec")
	}
	if cfg.Model.Mode == "http" && cfg.Model.Endpoint == "" {
		return errors.New("model.endpoint must be set when mode=http")
	}
	if cfg.Model.LoadAttempts <= 0 {
		return errors.New("model.load_attempts must be >= 1")
	}
	if cfg.Model.InferenceSlots <= 0 {
		return errors.New("model.inference_slots must be >= 1")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.MinDurationSec <= 0 {
		return errors.New("audio.min_duration_sec must be positive")
	}
	if cfg.Audio.MaxDurationSec <= cfg.Audio.MinDurationSec {
		return errors.New("audio.max_duration_sec must be greater than min_duration_sec")
	}
	if cfg.Audio.MaxFileSize <= 0 {
		return errors.New("audio.max_file_size must be positive")
	}
	if len(cfg.Audio.AllowedExts) == 0 {
		return errors.New("audio.allowed_extensions must not be empty")
	}
	if cfg.Audio.FetchTimeoutMS <= 0 {
		return errors.New("audio.fetch_timeout_ms must be positive")
	}
	if cfg.Verify.Threshold < 0 || cfg.Verify.Threshold > 1 {
		return errors.New("verify.threshold must be within [0,1]")
	}
	if cfg.Verify.NarrowBand <= 0 || cfg.Verify.WideBand <= cfg.Verify.NarrowBand {
		return errors.New("verify confidence bands must satisfy 0 < narrow < wide")
	}
	if cfg.Verify.BatchConcurrency <= 0 {
		return errors.New("verify.batch_concurrency must be >= 1")
	}
	if cfg.Monitor.HistorySize <= 0 {
		return errors.New("monitor.history_size must be >= 1")
	}
	switch cfg.AuditLog.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("audit_log.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.AuditLog.RetentionMode == "persistent" && cfg.AuditLog.Path == "" {
		return errors.New("audit_log.path must not be empty when persistent")
	}
	if cfg.AuditLog.RetentionDays < 0 {
		return errors.New("audit_log.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Events.Enabled {
		if cfg.Events.Embedded {
			if cfg.Events.Port <= 0 || cfg.Events.Port > 65535 {
				return errors.New("events.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Events.Servers) == 0 {
			return errors.New("events.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}
