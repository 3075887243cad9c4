package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration, loaded from YAML with
// environment overrides for secrets.
type Config struct {
	Metersync MetersyncConfig `yaml:"metersync"`
	Meter     MeterConfig     `yaml:"meter"`
	API       APIConfig       `yaml:"api"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	CSV       CSVConfig       `yaml:"csv"`
	Sync      SyncConfig      `yaml:"sync"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type MetersyncConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MeterConfig struct {
	Zaehlpunkt  string `yaml:"zaehlpunkt"`
	HistoryDays int    `yaml:"history_days"`
}

type APIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	TokenURL    string        `yaml:"token_url"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Timeout     time.Duration `yaml:"timeout"`
	SessionFile string        `yaml:"session_file"`
	UseMockData bool          `yaml:"use_mock_data"`
}

type MQTTConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	ClientID        string        `yaml:"client_id"`
	BaseTopic       string        `yaml:"base_topic"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	PublishRate     float64       `yaml:"publish_rate"`
	CheckpointEvery int           `yaml:"checkpoint_every"`
}

type BackfillConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DatabasePath  string        `yaml:"database_path"`
	MetadataID    int64         `yaml:"metadata_id"`
	StatisticIDs  []string      `yaml:"statistic_ids"`
	ShortTermDays int           `yaml:"short_term_days"`
	// Bucket widths for the two resolution tiers. These default to the
	// recorder's hourly and 5-minute buckets and are independent of the
	// 15-minute reading interval.
	LongTermBucket  time.Duration `yaml:"long_term_bucket"`
	ShortTermBucket time.Duration `yaml:"short_term_bucket"`
	// AnchorToStore continues the cumulative series from the last sum
	// already stored for the sensor instead of restarting at zero per
	// batch. Disabling it reproduces the legacy per-batch behavior,
	// which shows decreasing totals across non-contiguous runs.
	AnchorToStore *bool `yaml:"anchor_to_store"`
}

type CSVConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
	KeepDays  int    `yaml:"keep_days"`
}

type SyncConfig struct {
	UpdateInterval time.Duration `yaml:"update_interval"`
	RetryCount     int           `yaml:"retry_count"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// AnchorEnabled reports whether cumulative anchoring is on. Defaults to
// true when unset.
func (b BackfillConfig) AnchorEnabled() bool {
	if b.AnchorToStore == nil {
		return true
	}
	return *b.AnchorToStore
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Meter: MeterConfig{HistoryDays: 1},
		API: APIConfig{
			TokenURL:    "https://log.wien/auth/realms/logwien/protocol/openid-connect/token",
			Timeout:     60 * time.Second,
			SessionFile: "/data/session.json",
		},
		MQTT: MQTTConfig{
			Port:            1883,
			BaseTopic:       "smartmeter/energy",
			DiscoveryPrefix: "homeassistant",
			ConnectTimeout:  10 * time.Second,
			PublishRate:     10,
			CheckpointEvery: 50,
		},
		Backfill: BackfillConfig{
			DatabasePath:    "/homeassistant/home-assistant_v2.db",
			ShortTermDays:   14,
			LongTermBucket:  time.Hour,
			ShortTermBucket: 5 * time.Minute,
		},
		CSV: CSVConfig{
			OutputDir: "/tmp/metersync",
			KeepDays:  7,
		},
		Sync: SyncConfig{
			UpdateInterval: time.Hour,
			RetryCount:     3,
			RetryDelay:     10 * time.Second,
			RetryMaxDelay:  time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override credentials from environment variables if available
	if v := os.Getenv("WNSM_USERNAME"); v != "" {
		config.API.Username = strings.TrimSpace(v)
	}
	if v := os.Getenv("WNSM_PASSWORD"); v != "" {
		config.API.Password = strings.TrimSpace(v)
	}
	if v := os.Getenv("WNSM_ZP"); v != "" {
		config.Meter.Zaehlpunkt = strings.TrimSpace(v)
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		config.MQTT.Username = strings.TrimSpace(v)
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		config.MQTT.Password = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Metersync.Name == "" {
		return fmt.Errorf("metersync.name is required")
	}

	if cfg.Metersync.Version == "" {
		return fmt.Errorf("metersync.version is required")
	}

	if cfg.Meter.Zaehlpunkt == "" {
		return fmt.Errorf("meter.zaehlpunkt is required")
	}
	if !isValidZaehlpunkt(cfg.Meter.Zaehlpunkt) {
		return fmt.Errorf("meter.zaehlpunkt '%s' is invalid", cfg.Meter.Zaehlpunkt)
	}

	if cfg.Meter.HistoryDays <= 0 {
		return fmt.Errorf("meter.history_days must be greater than 0")
	}

	if !cfg.API.UseMockData {
		if cfg.API.Username == "" || cfg.API.Password == "" {
			return fmt.Errorf("api.username and api.password are required when mock data is disabled")
		}
		if cfg.API.BaseURL == "" {
			return fmt.Errorf("api.base_url is required when mock data is disabled")
		}
	}
	if cfg.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be greater than 0")
	}

	if cfg.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required")
	}
	if cfg.MQTT.Port <= 0 || cfg.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port must be between 1 and 65535")
	}
	if cfg.MQTT.BaseTopic == "" {
		return fmt.Errorf("mqtt.base_topic is required")
	}
	if cfg.MQTT.PublishRate <= 0 {
		return fmt.Errorf("mqtt.publish_rate must be greater than 0")
	}
	if cfg.MQTT.CheckpointEvery <= 0 {
		return fmt.Errorf("mqtt.checkpoint_every must be greater than 0")
	}

	if cfg.Backfill.Enabled {
		if cfg.Backfill.DatabasePath == "" {
			return fmt.Errorf("backfill.database_path is required when backfill is enabled")
		}
		if cfg.Backfill.MetadataID == 0 && len(cfg.Backfill.StatisticIDs) == 0 {
			return fmt.Errorf("backfill.metadata_id or backfill.statistic_ids is required when backfill is enabled")
		}
		if cfg.Backfill.ShortTermDays <= 0 {
			return fmt.Errorf("backfill.short_term_days must be greater than 0")
		}
		if cfg.Backfill.LongTermBucket <= 0 || cfg.Backfill.ShortTermBucket <= 0 {
			return fmt.Errorf("backfill bucket widths must be greater than 0")
		}
	}

	if cfg.CSV.Enabled && cfg.CSV.OutputDir == "" {
		return fmt.Errorf("csv.output_dir is required when csv export is enabled")
	}

	if cfg.Sync.UpdateInterval <= 0 {
		return fmt.Errorf("sync.update_interval must be greater than 0")
	}
	if cfg.Sync.RetryCount < 0 {
		return fmt.Errorf("sync.retry_count must not be negative")
	}
	if cfg.Sync.RetryDelay <= 0 {
		return fmt.Errorf("sync.retry_delay must be greater than 0")
	}

	return nil
}

// Austrian Zählpunkt numbers are 33 characters: AT + 5-digit operator
// id + 26 alphanumerics.
var zaehlpunktRegexp = regexp.MustCompile(`^AT[0-9]{5}[0-9A-Z]{26}$`)

func isValidZaehlpunkt(zp string) bool {
	return zaehlpunktRegexp.MatchString(zp)
}
