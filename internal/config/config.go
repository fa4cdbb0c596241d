package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Cloud     CloudConfig      `yaml:"cloud"`
	Locations []LocationConfig `yaml:"locations"`
	Snapshot  SnapshotConfig   `yaml:"snapshot"`
	Unlock    UnlockConfig     `yaml:"unlock"`
	Database  DatabaseConfig   `yaml:"database"`
	HTTP      HTTPConfig       `yaml:"http"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	Push      PushConfig       `yaml:"push"`
	Log       LogConfig        `yaml:"log"`
}

// CloudConfig holds Multitek cloud API configuration. ServiceUser and
// ServicePass are the HTTP Basic credentials of the service itself, not the
// user account; the vendor app ships fixed values and Defaults() carries
// them.
type CloudConfig struct {
	BaseURL             string `yaml:"base_url"`
	Email               string `yaml:"email"`
	Password            string `yaml:"password"`
	PhoneID             string `yaml:"phone_id"`
	Language            string `yaml:"language"`
	ServiceUser         string `yaml:"service_user"`
	ServicePass         string `yaml:"service_pass"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// LocationConfig maps one location to its destination codes. EntranceCodes
// are the numeric panel codes of the building entrance; ApartmentExtensions
// are the SIP extensions of the apartment door unit.
type LocationConfig struct {
	ID                  string   `yaml:"id"`
	Name                string   `yaml:"name"`
	DeviceSIP           string   `yaml:"device_sip"`
	EntranceCodes       []string `yaml:"entrance_codes"`
	ApartmentExtensions []string `yaml:"apartment_extensions"`
}

// SnapshotConfig holds snapshot cache configuration.
type SnapshotConfig struct {
	CacheDir       string `yaml:"cache_dir"`
	Workers        int    `yaml:"workers"`
	Attempts       int    `yaml:"attempts"`
	BackoffSeconds int    `yaml:"backoff_seconds"`
}

// UnlockConfig holds door unlock behavior.
type UnlockConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	HoldSeconds    int `yaml:"hold_seconds"`
}

// DatabaseConfig holds the call log database path. An empty path disables
// persistence.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPrefix  string `yaml:"topic_prefix"`
	DeviceID     string `yaml:"device_id"`
	RingOffDelay int    `yaml:"ring_off_delay"`
}

// PushConfig holds push relay configuration. Push is an accelerator for the
// poll loop; disabling it leaves plain polling.
type PushConfig struct {
	Enabled              bool   `yaml:"enabled"`
	BaseURL              string `yaml:"base_url"`
	ListenTimeoutSeconds int    `yaml:"listen_timeout_seconds"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Cloud: CloudConfig{
			BaseURL:             "https://cloud.multitek.com.tr:8096/multitek_service/root",
			Language:            "tr-TR",
			ServiceUser:         "multitek",
			ServicePass:         "Mlt.3838!",
			PollIntervalSeconds: 30,
		},
		Snapshot: SnapshotConfig{
			CacheDir:       "/data/snapshots",
			Workers:        2,
			Attempts:       3,
			BackoffSeconds: 2,
		},
		Unlock: UnlockConfig{
			TimeoutSeconds: 10,
			HoldSeconds:    6,
		},
		Database: DatabaseConfig{
			Path: "/data/calls.db",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix:  "diafonbox",
			DeviceID:     "diafonbox_01",
			RingOffDelay: 5,
		},
		Push: PushConfig{
			BaseURL:              "https://api.pushy.me",
			ListenTimeoutSeconds: 60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Validate checks the fields without which the daemon cannot run.
func (c Config) Validate() error {
	if c.Cloud.Email == "" {
		return fmt.Errorf("config: cloud.email is required")
	}
	if c.Cloud.Password == "" {
		return fmt.Errorf("config: cloud.password is required")
	}
	if c.Cloud.PhoneID == "" {
		return fmt.Errorf("config: cloud.phone_id is required")
	}
	if len(c.Locations) == 0 {
		return fmt.Errorf("config: at least one location is required")
	}
	seen := make(map[string]bool, len(c.Locations))
	for i, loc := range c.Locations {
		if loc.ID == "" {
			return fmt.Errorf("config: locations[%d].id is required", i)
		}
		if seen[loc.ID] {
			return fmt.Errorf("config: duplicate location id %q", loc.ID)
		}
		seen[loc.ID] = true
		if len(loc.EntranceCodes) == 0 && len(loc.ApartmentExtensions) == 0 {
			return fmt.Errorf("config: location %q maps no destination codes", loc.ID)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DIAFONBOX_CLOUD_BASE_URL"); v != "" {
		cfg.Cloud.BaseURL = v
	}
	if v := os.Getenv("DIAFONBOX_CLOUD_EMAIL"); v != "" {
		cfg.Cloud.Email = v
	}
	if v := os.Getenv("DIAFONBOX_CLOUD_PASSWORD"); v != "" {
		cfg.Cloud.Password = v
	}
	if v := os.Getenv("DIAFONBOX_CLOUD_PHONE_ID"); v != "" {
		cfg.Cloud.PhoneID = v
	}
	if v := os.Getenv("DIAFONBOX_CLOUD_SERVICE_USER"); v != "" {
		cfg.Cloud.ServiceUser = v
	}
	if v := os.Getenv("DIAFONBOX_CLOUD_SERVICE_PASS"); v != "" {
		cfg.Cloud.ServicePass = v
	}
	if v := os.Getenv("DIAFONBOX_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cloud.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("DIAFONBOX_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.CacheDir = v
	}
	if v := os.Getenv("DIAFONBOX_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("DIAFONBOX_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("DIAFONBOX_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("DIAFONBOX_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("DIAFONBOX_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("DIAFONBOX_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("DIAFONBOX_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("DIAFONBOX_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("DIAFONBOX_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("DIAFONBOX_PUSH_ENABLED"); v != "" {
		cfg.Push.Enabled = parseBool(v)
	}
	if v := os.Getenv("DIAFONBOX_PUSH_BASE_URL"); v != "" {
		cfg.Push.BaseURL = v
	}
	if v := os.Getenv("DIAFONBOX_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DIAFONBOX_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
