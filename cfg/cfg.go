// SPDX-License-Identifier: MIT

// Package cfg loads the relay configuration and keeps an immutable snapshot
// of it. Every evaluation reads the snapshot it started with; a reload swaps
// the pointer atomically between requests, never mid-evaluation.
package cfg

import (
	"log"
	"sync"
	"sync/atomic"
	stdlibtime "time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const defaultYAMLConfigurationFilePath = "/etc/descant/descant.yaml"

type Config struct {
	Port         uint16 `mapstructure:"port"`
	CertPath     string `mapstructure:"certPath"`
	KeyPath      string `mapstructure:"keyPath"`
	DatabasePath string `mapstructure:"databasePath"`

	RelayURL         string `mapstructure:"relayURL"`
	RelayName        string `mapstructure:"relayName"`
	RelayDescription string `mapstructure:"relayDescription"`
	RelayContact     string `mapstructure:"relayContact"`
	RelayPubKey      string `mapstructure:"relayPubKey"`
	RelayIcon        string `mapstructure:"relayIcon"`

	OpenRelay        bool     `mapstructure:"openRelay"`
	VerifyEvents     bool     `mapstructure:"verifyEvents"`
	AdminPubKeys     []string `mapstructure:"adminPubKeys"`
	ModeratorPubKeys []string `mapstructure:"moderatorPubKeys"`
	UserPubKeys      []string `mapstructure:"userPubKeys"`

	AllowScraping              bool `mapstructure:"allowScraping"`
	AllowScrapeIfLimitedTo     int  `mapstructure:"allowScrapeIfLimitedTo"`
	AllowScrapeIfRecentSeconds int  `mapstructure:"allowScrapeIfRecentSeconds"`
	SyncExemptFromScrapePolicy bool `mapstructure:"syncExemptFromScrapePolicy"`

	MaxSubscriptionsPerConnection int                 `mapstructure:"maxSubscriptionsPerConnection"`
	MaxConnectionsPerIP           int                 `mapstructure:"maxConnectionsPerIp"`
	MinimumBanDuration            stdlibtime.Duration `mapstructure:"minimumBanDuration"`
	ViolationBanDuration          stdlibtime.Duration `mapstructure:"violationBanDuration"`
	ThrottlingBytesPerSecond      int64               `mapstructure:"throttlingBytesPerSecond"`
	ThrottlingBurst               int64               `mapstructure:"throttlingBurst"`
	IdleTimeout                   stdlibtime.Duration `mapstructure:"idleTimeout"`
	OutboundQueueSize             int                 `mapstructure:"outboundQueueSize"`

	SyncFrameSizeLimit int `mapstructure:"syncFrameSizeLimit"`
	SyncMaxRounds      int `mapstructure:"syncMaxRounds"`
}

var (
	initializer sync.Once
	snapshot    atomic.Pointer[Config]
)

func MustInit(absoluteCfgPaths ...string) {
	initializer.Do(func() { mustInit(absoluteCfgPaths...) })
}

func mustInit(absoluteCfgPaths ...string) {
	setDefaults()

	configured := ""
	for _, path := range absoluteCfgPaths {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err == nil {
			configured = path

			break
		}
	}
	if configured == "" {
		if len(absoluteCfgPaths) > 0 {
			log.Printf("WARN: could not read any of the provided config paths %+v, defaulting to `%v`", absoluteCfgPaths, defaultYAMLConfigurationFilePath)
		}
		viper.SetConfigFile(defaultYAMLConfigurationFilePath)
		if err := viper.ReadInConfig(); err != nil {
			log.Printf("WARN: running on defaults, no config file: %v", err)
		}
	}

	reload()

	viper.OnConfigChange(func(in fsnotify.Event) {
		if in.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		reload()
		log.Printf("config reloaded from %v", in.Name)
	})
	viper.WatchConfig()
}

func setDefaults() {
	viper.SetDefault("port", 4446)
	viper.SetDefault("databasePath", ":memory:")
	viper.SetDefault("relayURL", "wss://localhost:4446")
	viper.SetDefault("relayName", "descant")
	viper.SetDefault("openRelay", true)
	viper.SetDefault("verifyEvents", true)
	viper.SetDefault("allowScraping", false)
	viper.SetDefault("allowScrapeIfLimitedTo", 100)
	viper.SetDefault("allowScrapeIfRecentSeconds", 3_600)
	viper.SetDefault("syncExemptFromScrapePolicy", false)
	viper.SetDefault("maxSubscriptionsPerConnection", 32)
	viper.SetDefault("maxConnectionsPerIp", 5)
	viper.SetDefault("minimumBanDuration", "4s")
	viper.SetDefault("violationBanDuration", "60s")
	viper.SetDefault("throttlingBytesPerSecond", 102_400)
	viper.SetDefault("throttlingBurst", 1_048_576)
	viper.SetDefault("idleTimeout", "60s")
	viper.SetDefault("outboundQueueSize", 256)
	viper.SetDefault("syncFrameSizeLimit", 65_536)
	viper.SetDefault("syncMaxRounds", 100)
}

func reload() {
	var next Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(&next, hook); err != nil {
		log.Panic(errors.Wrap(err, "could not deserialize config"))
	}
	snapshot.Store(&next)
}

// Snapshot returns the active configuration. The returned value is immutable;
// callers keep it for the whole evaluation they are running.
func Snapshot() *Config {
	if cfg := snapshot.Load(); cfg != nil {
		return cfg
	}
	MustInit()

	return snapshot.Load()
}
