// Package bridgecfg loads and validates the bridge's YAML configuration.
package bridgecfg

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/meowcat-dev/qtbridge/pkg/forward"
	"github.com/meowcat-dev/qtbridge/pkg/httputil"
	"github.com/meowcat-dev/qtbridge/pkg/message"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root of the YAML configuration file.
type Config struct {
	Database DatabaseConfig    `yaml:"database"`
	QQ       QQConfig          `yaml:"qq"`
	Telegram TelegramConfig    `yaml:"telegram"`
	Bridge   BridgeConfig      `yaml:"bridge"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

type DatabaseConfig struct {
	File string `yaml:"file"`
}

// QQConfig describes the OneBot WebSocket connection.
type QQConfig struct {
	URL              string `yaml:"url"`
	AccessToken      string `yaml:"access_token"`
	ReconnectSeconds int    `yaml:"reconnect_seconds"`
	RPCSeconds       int    `yaml:"rpc_seconds"`
}

// TelegramConfig describes the bot API connection.
type TelegramConfig struct {
	Host                string               `yaml:"host"`
	Token               string               `yaml:"token"`
	PollIntervalSeconds int                  `yaml:"poll_interval_seconds"`
	PollTimeoutSeconds  int                  `yaml:"poll_timeout_seconds"`
	RPCSeconds          int                  `yaml:"rpc_seconds"`
	SendRate            int                  `yaml:"send_rate"`
	SkipTLSVerify       bool                 `yaml:"skip_tls_verify"`
	Proxy               httputil.ProxyConfig `yaml:"proxy"`
}

// RouteConfig binds one QQ conversation to one Telegram chat or topic.
type RouteConfig struct {
	QQConversation   string `yaml:"qq_conversation"`
	QQKind           string `yaml:"qq_kind"`
	TGChat           string `yaml:"tg_chat"`
	TGTopic          string `yaml:"tg_topic"`
	ShowSenderQQToTG *bool  `yaml:"show_sender_qq_to_tg"`
	ShowSenderTGToQQ *bool  `yaml:"show_sender_tg_to_qq"`
}

// BridgeConfig holds forwarding policy and retry tuning.
type BridgeConfig struct {
	Routes                 []RouteConfig `yaml:"routes"`
	EnableRetryQueue       *bool         `yaml:"enable_retry_queue"`
	MaxSendAttempts        int           `yaml:"max_send_attempts"`
	MaxDownloadAttempts    int           `yaml:"max_download_attempts"`
	RetryTickSeconds       int           `yaml:"retry_tick_seconds"`
	UserRefreshSeconds     int           `yaml:"user_refresh_seconds"`
	EnableMiniAppParsing   *bool         `yaml:"enable_miniapp_parsing"`
	ShowRawJSONOnParseFail bool          `yaml:"show_raw_json_on_parse_fail"`
	MaxJSONDisplayLength   int           `yaml:"max_json_display_length"`
	MediaSweepSchedule     string        `yaml:"media_sweep_schedule"`
	MediaCacheTTLDays      int           `yaml:"media_cache_ttl_days"`
	MediaDir               string        `yaml:"media_dir"`
	ArchiveMedia           bool          `yaml:"archive_media"`
}

// Load reads, decodes and validates a configuration file, applying defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.File == "" {
		c.Database.File = "qtbridge.db"
	}
	if c.QQ.ReconnectSeconds <= 0 {
		c.QQ.ReconnectSeconds = 5
	}
	if c.QQ.RPCSeconds <= 0 {
		c.QQ.RPCSeconds = 30
	}
	if c.Telegram.Host == "" {
		c.Telegram.Host = "api.telegram.org"
	}
	if c.Telegram.PollIntervalSeconds <= 0 {
		c.Telegram.PollIntervalSeconds = 1
	}
	if c.Telegram.PollTimeoutSeconds <= 0 {
		c.Telegram.PollTimeoutSeconds = 10
	}
	if c.Telegram.RPCSeconds <= 0 {
		c.Telegram.RPCSeconds = 30
	}
	if c.Telegram.SendRate <= 0 {
		c.Telegram.SendRate = 20
	}

	b := &c.Bridge
	if b.EnableRetryQueue == nil {
		b.EnableRetryQueue = ptr.Ptr(true)
	}
	if b.MaxSendAttempts <= 0 {
		b.MaxSendAttempts = 5
	}
	if b.MaxDownloadAttempts <= 0 {
		b.MaxDownloadAttempts = 3
	}
	if b.RetryTickSeconds <= 0 {
		b.RetryTickSeconds = 10
	}
	if b.UserRefreshSeconds <= 0 {
		b.UserRefreshSeconds = 600
	}
	if b.EnableMiniAppParsing == nil {
		b.EnableMiniAppParsing = ptr.Ptr(true)
	}
	if b.MaxJSONDisplayLength <= 0 {
		b.MaxJSONDisplayLength = 500
	}
	if b.MediaSweepSchedule == "" {
		b.MediaSweepSchedule = "0 4 * * *"
	}
	if b.MediaCacheTTLDays <= 0 {
		b.MediaCacheTTLDays = 30
	}
	if b.MediaDir == "" {
		b.MediaDir = "media"
	}
	for i := range b.Routes {
		r := &b.Routes[i]
		if r.QQKind == "" {
			r.QQKind = string(message.ConversationGroup)
		}
		if r.ShowSenderQQToTG == nil {
			r.ShowSenderQQToTG = ptr.Ptr(true)
		}
		if r.ShowSenderTGToQQ == nil {
			r.ShowSenderTGToQQ = ptr.Ptr(true)
		}
	}
}

func (c *Config) validate() error {
	if c.QQ.URL == "" {
		return fmt.Errorf("qq.url is required")
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if len(c.Bridge.Routes) == 0 {
		return fmt.Errorf("bridge.routes must contain at least one route")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Bridge.MediaSweepSchedule); err != nil {
		return fmt.Errorf("bridge.media_sweep_schedule: %w", err)
	}
	for i, r := range c.Bridge.Routes {
		if r.QQConversation == "" || r.TGChat == "" {
			return fmt.Errorf("bridge.routes[%d]: qq_conversation and tg_chat are required", i)
		}
		switch r.QQKind {
		case string(message.ConversationGroup), string(message.ConversationPrivate):
		default:
			return fmt.Errorf("bridge.routes[%d]: unknown qq_kind %q", i, r.QQKind)
		}
	}
	return nil
}

// Routes converts the configured routes to the forwarder's route table.
func (c *Config) Routes() forward.Routes {
	out := make(forward.Routes, 0, len(c.Bridge.Routes))
	for _, r := range c.Bridge.Routes {
		mode := forward.ModeGroup
		if r.TGTopic != "" {
			mode = forward.ModeTopic
		}
		out = append(out, forward.Route{
			QQConversation:   r.QQConversation,
			QQKind:           message.ConversationKind(r.QQKind),
			TGChat:           r.TGChat,
			TGTopic:          r.TGTopic,
			Mode:             mode,
			ShowSenderQQToTG: *r.ShowSenderQQToTG,
			ShowSenderTGToQQ: *r.ShowSenderTGToQQ,
		})
	}
	return out
}

// ForwardOptions converts the bridge block to forwarder options.
func (c *Config) ForwardOptions() forward.Options {
	return forward.Options{
		UserRefreshInterval:    time.Duration(c.Bridge.UserRefreshSeconds) * time.Second,
		MaxSendAttempts:        c.Bridge.MaxSendAttempts,
		EnableMiniAppParsing:   *c.Bridge.EnableMiniAppParsing,
		ShowRawJSONOnParseFail: c.Bridge.ShowRawJSONOnParseFail,
		MaxJSONDisplayLength:   c.Bridge.MaxJSONDisplayLength,
	}
}

// CompileLogger builds the zerolog root logger from the logging block,
// falling back to console output at info level when unconfigured.
func (c *Config) CompileLogger() (*zerolog.Logger, error) {
	cfg := c.Logging
	if len(cfg.Writers) == 0 {
		cfg.Writers = []zeroconfig.WriterConfig{{Type: zeroconfig.WriterTypeStderr, Format: "pretty-colored"}}
	}
	if cfg.MinLevel == nil {
		lvl := zerolog.InfoLevel
		cfg.MinLevel = &lvl
	}
	return cfg.Compile()
}

