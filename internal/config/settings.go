package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/domain"
)

type Config struct {
	RateLimits map[string]RateLimitPolicy `json:"rate_limits"`

	Admission struct {
		FailOpen        bool   `json:"fail_open"`
		LookupTimeoutMs uint32 `json:"lookup_timeout_ms"`
	} `json:"admission"`

	Detection DetectionConfig `json:"detection"`

	Retention struct {
		SuspiciousMaxAge Timer `json:"suspicious_max_age"`
		SweepTimer       Timer `json:"sweep_timer"`
	} `json:"retention"`

	Geolocation struct {
		Enabled         bool   `json:"enabled"`
		LookupTimeoutMs uint32 `json:"lookup_timeout_ms"`
		CacheTTL        Timer  `json:"cache_ttl"`
	} `json:"geolocation"`

	BlocklistFeeds struct {
		Sources      []string `json:"sources"`
		RefreshTimer Timer    `json:"refresh_timer"`
	} `json:"blocklist_feeds"`

	GeoLite struct {
		APIKey        string `json:"api_key"`
		AutoUpdate    bool   `json:"auto_update"`
		UpdateTimer   Timer  `json:"update_timer"`
		LastUpdatedAt string `json:"last_updated_at,omitempty"`
	} `json:"geolite"`
}

// RateLimitPolicy declares the budgets of one protected endpoint. Rates use
// the "10/m" notation.
type RateLimitPolicy struct {
	Path              string   `json:"path"`
	AuthenticatedRate string   `json:"authenticated_rate"`
	AnonymousRate     string   `json:"anonymous_rate"`
	Methods           []string `json:"methods"`
}

type DetectionConfig struct {
	VolumeThreshold    int      `json:"volume_threshold"`
	SensitiveThreshold int      `json:"sensitive_threshold"`
	RapidThreshold     int      `json:"rapid_threshold"`
	SensitivePaths     []string `json:"sensitive_paths"`
	Window             Timer    `json:"window"`
	SweepTimer         Timer    `json:"sweep_timer"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

const defaultSettingsFilePath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	cfg, err := DefaultConfig()
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	configValue.Store(cfg)
}

// DefaultConfig returns the embedded default settings.
func DefaultConfig() (Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func settingsFilePath() string {
	if path := os.Getenv("IPGUARD_SETTINGS_FILE"); path != "" {
		return path
	}
	return defaultSettingsFilePath
}

func ReadSettings() {
	path := settingsFilePath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Settings file not found, creating with default configuration", "path", path)

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				log.Error("Error creating directory for settings file", "error", err)
				return
			}

			if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
				log.Error("Error writing default settings file", "error", err)
				return
			}

			data = defaultConfig
		} else {
			log.Error("Error reading settings file", "error", err)
			return
		}
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	if err := Validate(newConfig); err != nil {
		log.Error("Settings file rejected, keeping current configuration", "path", path, "error", err)
		return
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file", "error", err)
		return
	}

	log.Debug("Settings file loaded successfully", "path", path)
}

func SetConfig(newConfig Config) error {
	if err := Validate(newConfig); err != nil {
		return err
	}
	if err := applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"}); err != nil {
		log.Error("Error applying configuration update", "error", err)
		return err
	}

	log.Debug("Configuration updated and written to file successfully")
	return nil
}

func UpdateGeoLiteConfig(updater func(cfg *Config)) error {
	if updater == nil {
		return errors.New("config: geolite updater cannot be nil")
	}

	cfg := GetConfig()
	updater(&cfg)

	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, broadcast: true, source: "geolite"})
}

func MarkGeoLiteUpdated(ts time.Time) error {
	return UpdateGeoLiteConfig(func(cfg *Config) {
		cfg.GeoLite.LastUpdatedAt = ts.UTC().Format(time.RFC3339)
	})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	SetBetweenTime()

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal configuration: %w", err))
		} else if err := os.WriteFile(settingsFilePath(), data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write configuration: %w", err))
		}
	}

	if opts.broadcast {
		if err := publishSettings(newConfig); err != nil {
			errs = append(errs, fmt.Errorf("broadcast configuration: %w", err))
		}
	}

	log.Debug("Configuration applied", "source", opts.source)

	return errors.Join(errs...)
}

// Validate rejects settings the components cannot be built from.
func Validate(cfg Config) error {
	var errs []error
	for endpoint, policy := range cfg.RateLimits {
		if _, err := domain.ParseRateSpec(policy.AuthenticatedRate); err != nil {
			errs = append(errs, fmt.Errorf("rate limit %q: authenticated rate: %w", endpoint, err))
		}
		if _, err := domain.ParseRateSpec(policy.AnonymousRate); err != nil {
			errs = append(errs, fmt.Errorf("rate limit %q: anonymous rate: %w", endpoint, err))
		}
	}
	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}

// LookupTimeout converts a millisecond setting, falling back when unset.
func LookupTimeout(ms uint32, fallback time.Duration) time.Duration {
	if ms == 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
