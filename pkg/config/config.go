package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/urfave/cli/v2"
)

type Config struct {
	// ServerURL is the websocket endpoint of the call server.
	ServerURL string `yaml:"server_url,omitempty"`

	Session SessionConfig `yaml:"session,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`

	PrometheusPort uint32 `yaml:"prometheus_port,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type SessionConfig struct {
	// LivenessCheckInterval paces the server-side join checks that run
	// while the media engine reports disconnected.
	LivenessCheckInterval time.Duration `yaml:"liveness_check_interval,omitempty"`
	// GapReloadDelay paces repeat participant reloads while diffs keep
	// arriving ahead of the reloaded version.
	GapReloadDelay time.Duration `yaml:"gap_reload_delay,omitempty"`
	// UnknownBatchSize caps one lookup of unresolved media sources.
	UnknownBatchSize int `yaml:"unknown_batch_size,omitempty"`
	// InviteChunkSize caps one invite request.
	InviteChunkSize int `yaml:"invite_chunk_size,omitempty"`
	// VideoDebounceDelay coalesces video channel recomputations.
	VideoDebounceDelay time.Duration `yaml:"video_debounce_delay,omitempty"`
	// OpsQueueSize bounds the session executor backlog.
	OpsQueueSize int `yaml:"ops_queue_size,omitempty"`
	// PartCacheSize bounds the broadcast part cache, in parts.
	PartCacheSize int `yaml:"part_cache_size,omitempty"`
	// ParticipantsPageSize is the page size for participant list loads.
	ParticipantsPageSize int `yaml:"participants_page_size,omitempty"`
}

type LoggingConfig struct {
	// valid levels: debug, info, warn, error
	Level string `yaml:"level,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

var DefaultConfig = Config{
	ServerURL: "ws://localhost:7880/groupcall",
	Session: SessionConfig{
		LivenessCheckInterval: 4 * time.Second,
		GapReloadDelay:        3 * time.Second,
		UnknownBatchSize:      30,
		InviteChunkSize:       10,
		ParticipantsPageSize:  100,
	},
}

func NewConfig(confString string, c *cli.Context) (*Config, error) {
	conf := DefaultConfig

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(true)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		conf.updateFromCLI(c)
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	return &conf, nil
}

func (conf *Config) updateFromCLI(c *cli.Context) {
	if c.IsSet("url") {
		conf.ServerURL = c.String("url")
	}
	if c.IsSet("log-level") {
		conf.Logging.Level = c.String("log-level")
	}
	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("prometheus-port") {
		conf.PrometheusPort = uint32(c.Uint64("prometheus-port"))
	}
}
