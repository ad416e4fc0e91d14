// Package config loads the vodsync configuration. The Config struct is
// built once at process start and passed explicitly into constructors;
// nothing reads viper after Load returns.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	State     StateConfig
	Source    SourceConfig
	Primary   StoreConfig
	Secondary StoreConfig
	Site      SiteConfig
	Pipeline  PipelineConfig
	LogLevel  string
}

// StateConfig locates the durable progress database.
type StateConfig struct {
	DBPath     string
	Passphrase string
}

// SourceConfig describes the third-party source API.
type SourceConfig struct {
	BaseURL        string
	ListEndpoint   string
	DetailEndpoint string
	LoginEndpoint  string
	Username       string
	Password       string
	Domain         string
	PageSize       int
	Timeout        time.Duration
	UserAgent      string
}

// StoreConfig describes one S3-compatible object store (AWS S3 or an
// OSS-compatible endpoint).
type StoreConfig struct {
	Name            string
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	KeyPrefix       string
	EncryptionKey   string
}

// SiteConfig describes the target sites receiving synced records.
type SiteConfig struct {
	Domains       []string
	APIToken      string
	SyncEndpoint  string
	CleanEndpoint string
	Timeout       time.Duration
}

// PipelineConfig tunes orchestration: worker pool size, bounded retry and
// backoff, and polite pacing between source requests.
type PipelineConfig struct {
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ItemDelay      time.Duration
}

// Load reads config.yaml (working directory or ./config) plus environment
// overrides and returns the assembled configuration.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("state.db_path", "VODSYNC_STATE_DB")
	_ = viper.BindEnv("state.passphrase", "VODSYNC_STATE_PASSPHRASE")
	_ = viper.BindEnv("source.username", "VODSYNC_SOURCE_USERNAME")
	_ = viper.BindEnv("source.password", "VODSYNC_SOURCE_PASSWORD")
	_ = viper.BindEnv("primary.access_key_id", "VODSYNC_S3_ACCESS_KEY_ID")
	_ = viper.BindEnv("primary.secret_access_key", "VODSYNC_S3_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("secondary.access_key_id", "VODSYNC_OSS_ACCESS_KEY_ID")
	_ = viper.BindEnv("secondary.secret_access_key", "VODSYNC_OSS_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("site.api_token", "VODSYNC_SITE_TOKEN")
	_ = viper.BindEnv("log_level", "VODSYNC_LOG_LEVEL")

	viper.SetDefault("state.db_path", "vodsync/state.db")
	viper.SetDefault("state.passphrase", "")
	viper.SetDefault("source.page_size", 20)
	viper.SetDefault("source.timeout", "5m")
	viper.SetDefault("source.user_agent", "vodsync/1.0")
	viper.SetDefault("source.list_endpoint", "/api/video/list")
	viper.SetDefault("source.detail_endpoint", "/api/video/detail")
	viper.SetDefault("source.login_endpoint", "/api/user/login")
	viper.SetDefault("primary.name", "s3")
	viper.SetDefault("primary.key_prefix", "video_data")
	viper.SetDefault("secondary.name", "oss")
	viper.SetDefault("secondary.key_prefix", "video_data")
	viper.SetDefault("site.sync_endpoint", "/api/sync")
	viper.SetDefault("site.clean_endpoint", "/api/clean")
	viper.SetDefault("site.timeout", "30s")
	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.max_attempts", 3)
	viper.SetDefault("pipeline.initial_backoff", "1s")
	viper.SetDefault("pipeline.max_backoff", "30s")
	viper.SetDefault("pipeline.item_delay", "500ms")
	viper.SetDefault("log_level", "info")

	// Config file is optional; env vars and defaults may be enough.
	_ = viper.ReadInConfig()

	cfg := &Config{
		State: StateConfig{
			DBPath:     viper.GetString("state.db_path"),
			Passphrase: viper.GetString("state.passphrase"),
		},
		Source: SourceConfig{
			BaseURL:        viper.GetString("source.base_url"),
			ListEndpoint:   viper.GetString("source.list_endpoint"),
			DetailEndpoint: viper.GetString("source.detail_endpoint"),
			LoginEndpoint:  viper.GetString("source.login_endpoint"),
			Username:       viper.GetString("source.username"),
			Password:       viper.GetString("source.password"),
			Domain:         viper.GetString("source.domain"),
			PageSize:       viper.GetInt("source.page_size"),
			Timeout:        viper.GetDuration("source.timeout"),
			UserAgent:      viper.GetString("source.user_agent"),
		},
		Primary:   loadStore("primary"),
		Secondary: loadStore("secondary"),
		Site: SiteConfig{
			Domains:       viper.GetStringSlice("site.domains"),
			APIToken:      viper.GetString("site.api_token"),
			SyncEndpoint:  viper.GetString("site.sync_endpoint"),
			CleanEndpoint: viper.GetString("site.clean_endpoint"),
			Timeout:       viper.GetDuration("site.timeout"),
		},
		Pipeline: PipelineConfig{
			Workers:        viper.GetInt("pipeline.workers"),
			MaxAttempts:    viper.GetInt("pipeline.max_attempts"),
			InitialBackoff: viper.GetDuration("pipeline.initial_backoff"),
			MaxBackoff:     viper.GetDuration("pipeline.max_backoff"),
			ItemDelay:      viper.GetDuration("pipeline.item_delay"),
		},
		LogLevel: viper.GetString("log_level"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadStore(section string) StoreConfig {
	return StoreConfig{
		Name:            viper.GetString(section + ".name"),
		Endpoint:        viper.GetString(section + ".endpoint"),
		Region:          viper.GetString(section + ".region"),
		Bucket:          viper.GetString(section + ".bucket"),
		AccessKeyID:     viper.GetString(section + ".access_key_id"),
		SecretAccessKey: viper.GetString(section + ".secret_access_key"),
		KeyPrefix:       viper.GetString(section + ".key_prefix"),
		EncryptionKey:   viper.GetString(section + ".encryption_key"),
	}
}

func (c *Config) validate() error {
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("config: pipeline.workers must be at least 1")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("config: pipeline.max_attempts must be at least 1")
	}
	if c.State.DBPath == "" {
		return fmt.Errorf("config: state.db_path is required")
	}
	return nil
}
