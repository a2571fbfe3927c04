// Package config handles Banter configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/banter/config.yaml, /etc/banter/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "banter", "config.yaml"))
	}

	paths = append(paths, "/etc/banter/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Banter configuration.
type Config struct {
	Chat       ChatConfig              `yaml:"chat"`
	LLM        LLMConfig               `yaml:"llm"`
	Prompt     PromptConfig            `yaml:"prompt"`
	Limits     LimitsConfig            `yaml:"limits"`
	Cooldown   CooldownConfig          `yaml:"cooldown"`
	Moderation ModerationConfig        `yaml:"moderation"`
	Sources    SourcesConfig           `yaml:"sources"`
	Listen     ListenConfig            `yaml:"listen"`
	MQTT       MQTTConfig              `yaml:"mqtt"`
	Pricing    map[string]PricingEntry `yaml:"pricing"`
	Admins     []string                `yaml:"admins"`
	DataDir    string                  `yaml:"data_dir"`
	LogLevel   string                  `yaml:"log_level"`
}

// ChatConfig defines the chat server connection.
type ChatConfig struct {
	URL           string `yaml:"url"`            // websocket endpoint, e.g. wss://chat.example.gg/ws
	Token         string `yaml:"token"`          // login key sent as the authtoken cookie
	Nick          string `yaml:"nick"`           // the bot's own nick, used for mention detection
	CommandPrefix string `yaml:"command_prefix"` // default "!"
	Origin        string `yaml:"origin"`
}

// LLMConfig defines the completion provider.
type LLMConfig struct {
	BaseURL    string `yaml:"base_url"` // OpenAI-compatible API root
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
	// ErrorEmote is appended to the placeholder turn stored when a
	// completion fails.
	ErrorEmote string `yaml:"error_emote"`
}

// PromptConfig points at the files that define the pinned prefix.
type PromptConfig struct {
	SystemFile  string `yaml:"system_file"`  // plain text system prompt
	BaseFile    string `yaml:"base_file"`    // JSON array of example turns
	SummaryFile string `yaml:"summary_file"` // JSON array prefix for summaries
	SolvePrompt string `yaml:"solve_prompt"`
}

// LimitsConfig bounds conversation memory and response size.
type LimitsConfig struct {
	MaxTokens         int `yaml:"max_tokens"`
	MaxResponseTokens int `yaml:"max_response_tokens"`
	// HardMaxTokens is the ceiling an admin may raise MaxTokens to.
	HardMaxTokens int `yaml:"hard_max_tokens"`
}

// CooldownConfig defines the generation rate limits.
type CooldownConfig struct {
	MentionSec       int  `yaml:"mention_sec"`
	CommandSec       int  `yaml:"command_sec"`
	SameActorLockout bool `yaml:"same_actor_lockout"`
}

// ModerationConfig carries the canonical spam-check threshold set.
// Every value is overridable; zero values are replaced by defaults.
type ModerationConfig struct {
	MaxLength             int      `yaml:"max_length"`
	HistorySize           int      `yaml:"history_size"`
	SimilarityMinLength   int      `yaml:"similarity_min_length"`
	SimilarityThreshold   float64  `yaml:"similarity_threshold"`
	UniquenessMinTokens   int      `yaml:"uniqueness_min_tokens"`
	UniquenessMaxRatio    float64  `yaml:"uniqueness_max_ratio"`
	RepetitionShortLength int      `yaml:"repetition_short_length"`
	RepetitionShortWords  int      `yaml:"repetition_short_words"`
	RepetitionWordLength  int      `yaml:"repetition_word_length"`
	RepetitionMinDistinct int      `yaml:"repetition_min_distinct"`
	NonASCIIMax           int      `yaml:"non_ascii_max"`
	PunctuationMax        int      `yaml:"punctuation_max"`
	LinkGuardKeywords     []string `yaml:"link_guard_keywords"`
	ExtraPhrases          []string `yaml:"extra_phrases"`
	StripMarkdown         bool     `yaml:"strip_markdown"`
	RefreshIntervalSec    int      `yaml:"refresh_interval_sec"` // 0 disables periodic phrase refresh
}

// SourcesConfig lists the remote vocabularies.
type SourcesConfig struct {
	PhrasesURL   string `yaml:"phrases_url"`
	EmotesURL    string `yaml:"emotes_url"`
	LogSearchURL string `yaml:"log_search_url"`
	LogChannel   string `yaml:"log_channel"`
}

// ListenConfig defines the status API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the status API
}

// MQTTConfig defines the optional MQTT status publisher.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	TopicPrefix        string `yaml:"topic_prefix"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"` // Home Assistant discovery; empty disables
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
	ForwardEvents      bool   `yaml:"forward_events"` // mirror the event bus to <prefix>/<device>/events
}

// PricingEntry is the USD cost per million tokens for a model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file. Missing values are
// filled from [Default] and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Chat: ChatConfig{CommandPrefix: "!"},
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			TimeoutSec: 20,
			ErrorEmote: "temmieDank",
		},
		Prompt: PromptConfig{
			SolvePrompt: "Is anyone being unreasonable? Be concise. Do not give a neutral answer.",
		},
		Limits: LimitsConfig{
			MaxTokens:         1400,
			MaxResponseTokens: 65,
			HardMaxTokens:     3996,
		},
		Cooldown: CooldownConfig{
			MentionSec: 30,
			CommandSec: 30,
		},
		Moderation: ModerationConfig{
			LinkGuardKeywords: []string{"destiny"},
		},
		Listen: ListenConfig{Port: 8080},
		MQTT: MQTTConfig{
			DeviceName:         "banter",
			TopicPrefix:        "banter",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		DataDir:  "data",
		LogLevel: "info",
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills the moderation thresholds left at zero. The
// values are the canonical set: history 75, similarity 0.9 above 85
// characters, truncation at 512.
func (c *Config) applyDefaults() {
	m := &c.Moderation
	setInt(&m.MaxLength, 512)
	setInt(&m.HistorySize, 75)
	setInt(&m.SimilarityMinLength, 85)
	setFloat(&m.SimilarityThreshold, 0.9)
	setInt(&m.UniquenessMinTokens, 8)
	setFloat(&m.UniquenessMaxRatio, 0.45)
	setInt(&m.RepetitionShortLength, 90)
	setInt(&m.RepetitionShortWords, 4)
	setInt(&m.RepetitionWordLength, 60)
	setInt(&m.RepetitionMinDistinct, 9)
	setInt(&m.NonASCIIMax, 20)
	setInt(&m.PunctuationMax, 40)

	if c.Chat.CommandPrefix == "" {
		c.Chat.CommandPrefix = "!"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Limits.MaxTokens <= 0 {
		errs = append(errs, errors.New("limits.max_tokens must be positive"))
	}
	if c.Limits.MaxResponseTokens <= 0 {
		errs = append(errs, errors.New("limits.max_response_tokens must be positive"))
	}
	if c.Limits.HardMaxTokens < c.Limits.MaxTokens {
		errs = append(errs, fmt.Errorf("limits.hard_max_tokens (%d) must be >= limits.max_tokens (%d)",
			c.Limits.HardMaxTokens, c.Limits.MaxTokens))
	}
	if c.Cooldown.MentionSec < 0 || c.Cooldown.CommandSec < 0 {
		errs = append(errs, errors.New("cooldown values must not be negative"))
	}
	if t := c.Moderation.SimilarityThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("moderation.similarity_threshold %v out of range (0, 1]", t))
	}
	if r := c.Moderation.UniquenessMaxRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("moderation.uniqueness_max_ratio %v out of range (0, 1]", r))
	}
	if c.Moderation.HistorySize < 0 {
		errs = append(errs, errors.New("moderation.history_size must not be negative"))
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt.enabled is true"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	return errors.Join(errs...)
}

// IsAdmin reports whether nick is in the admin list.
func (c *Config) IsAdmin(nick string) bool {
	for _, a := range c.Admins {
		if a == nick {
			return true
		}
	}
	return false
}
