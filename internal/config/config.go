package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Flow selects the per-flow recording rules.
type Flow string

const (
	FlowEnroll  Flow = "enroll"
	FlowCompare Flow = "compare"
)

const (
	inheritedStatus       = "inherited"
	profileSpecificStatus = "profile-specific"
)

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Flows    FlowsConfig    `mapstructure:"flows" yaml:"flows"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	Compare  CompareConfig  `mapstructure:"compare" yaml:"compare"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`

	// Internal field to track inheritance information for info command,
	// keyed by dotted config key
	Inheritance map[string]string `mapstructure:"-" yaml:"-"`
}

type ServerConfig struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

type CaptureConfig struct {
	Backend     string  `mapstructure:"backend" yaml:"backend"`           // "ffmpeg", "auto"
	InputFormat string  `mapstructure:"input_format" yaml:"input_format"` // ffmpeg -f value: pulse, alsa, avfoundation, dshow
	Device      string  `mapstructure:"device" yaml:"device"`
	SampleRate  int     `mapstructure:"sample_rate" yaml:"sample_rate"`
	MIMEType    string  `mapstructure:"mime_type" yaml:"mime_type"`
	TickMs      int     `mapstructure:"tick_ms" yaml:"tick_ms"`
	MaxSeconds  float64 `mapstructure:"max_seconds" yaml:"max_seconds"`
}

type FlowConfig struct {
	MinSeconds float64 `mapstructure:"min_seconds" yaml:"min_seconds"`
}

type FlowsConfig struct {
	Enroll  FlowConfig `mapstructure:"enroll" yaml:"enroll"`
	Compare FlowConfig `mapstructure:"compare" yaml:"compare"`
}

type PlaybackConfig struct {
	Player string `mapstructure:"player" yaml:"player"` // "auto", "ffplay", "mpv", "vlc"
	PollMs int    `mapstructure:"poll_ms" yaml:"poll_ms"`
}

type CompareConfig struct {
	Threshold  float64 `mapstructure:"threshold" yaml:"threshold"`
	Dimensions int     `mapstructure:"dimensions" yaml:"dimensions"`
}

type OutputConfig struct {
	Directory        string `mapstructure:"directory" yaml:"directory"`
	HistoryDirectory string `mapstructure:"history_directory" yaml:"history_directory"`
}

var defaultConfig = Config{
	Server: ServerConfig{
		BaseURL:        "http://localhost:8000",
		TimeoutSeconds: 60,
	},
	Capture: CaptureConfig{
		Backend:     "ffmpeg",
		InputFormat: "pulse",
		Device:      "default",
		SampleRate:  48000,
		MIMEType:    "audio/webm",
		TickMs:      100,
		MaxSeconds:  30,
	},
	Flows: FlowsConfig{
		Enroll:  FlowConfig{MinSeconds: 5},
		Compare: FlowConfig{MinSeconds: 0},
	},
	Playback: PlaybackConfig{
		Player: "auto",
		PollMs: 50,
	},
	Compare: CompareConfig{
		Threshold:  70,
		Dimensions: 10,
	},
	Output: OutputConfig{
		Directory:        filepath.Join(os.Getenv("HOME"), "Audio", "VoiceCheck"),
		HistoryDirectory: filepath.Join(os.Getenv("HOME"), ".local", "share", "voicecheck", "history"),
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	cfg := defaultConfig
	cfg.Inheritance = make(map[string]string)
	for _, f := range fields {
		cfg.Inheritance[f.key] = inheritedStatus
	}
	return &cfg
}

// DefaultPath is the config file used when --config is not given.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/voicecheck.yaml")
}

// LoadWithProfile resolves the given profile (or active_config) from the
// config file. A missing file falls back to the built-in defaults only when
// allowMissing is set.
func LoadWithProfile(configFile, profile string, allowMissing bool) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) && allowMissing {
		cfg := Default()
		applyEnvOverrides(cfg, newViper())
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
		return cfg, nil
	}

	v := newViper()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	// Built-in defaults are the base of the "default" profile, which is in
	// turn the base of every other profile
	base := Default()
	if defaultProfile, ok := rootConfig.Configs["default"]; ok {
		base = mergeConfigs(base, defaultProfile, keySetter(v, "default"))
	}

	selectedConfig := base
	if configName != "default" {
		selectedConfig = mergeConfigs(base, selectedProfile, keySetter(v, configName))
	}

	applyEnvOverrides(selectedConfig, v)

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Output.HistoryDirectory = expandPath(selectedConfig.Output.HistoryDirectory)

	if err := selectedConfig.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// ListProfiles returns the profile names in the config file and the active one.
func ListProfiles(configFile string) ([]string, string, error) {
	v := newViper()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}

	names := make([]string, 0, len(rootConfig.Configs))
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, rootConfig.ActiveConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	if !v.IsSet("configs." + newActiveConfig) {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("VOICECHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// applyEnvOverrides lets VOICECHECK_BASE_URL and VOICECHECK_THRESHOLD win
// over any profile.
func applyEnvOverrides(cfg *Config, v *viper.Viper) {
	v.BindEnv("base_url")
	v.BindEnv("threshold")

	if baseURL := v.GetString("base_url"); baseURL != "" {
		cfg.Server.BaseURL = baseURL
		cfg.Inheritance["server.base_url"] = "environment"
	}
	if v.IsSet("threshold") {
		cfg.Compare.Threshold = v.GetFloat64("threshold")
		cfg.Inheritance["compare.threshold"] = "environment"
	}
}

func keySetter(v *viper.Viper, profile string) func(string) bool {
	prefix := "configs." + profile + "."
	return func(key string) bool {
		return v.InConfig(prefix + key)
	}
}

// field describes one mergeable config key.
type field struct {
	key  string
	copy func(dst, src *Config)
}

var fields = []field{
	{"server.base_url", func(d, s *Config) { d.Server.BaseURL = s.Server.BaseURL }},
	{"server.timeout_seconds", func(d, s *Config) { d.Server.TimeoutSeconds = s.Server.TimeoutSeconds }},
	{"capture.backend", func(d, s *Config) { d.Capture.Backend = s.Capture.Backend }},
	{"capture.input_format", func(d, s *Config) { d.Capture.InputFormat = s.Capture.InputFormat }},
	{"capture.device", func(d, s *Config) { d.Capture.Device = s.Capture.Device }},
	{"capture.sample_rate", func(d, s *Config) { d.Capture.SampleRate = s.Capture.SampleRate }},
	{"capture.mime_type", func(d, s *Config) { d.Capture.MIMEType = s.Capture.MIMEType }},
	{"capture.tick_ms", func(d, s *Config) { d.Capture.TickMs = s.Capture.TickMs }},
	{"capture.max_seconds", func(d, s *Config) { d.Capture.MaxSeconds = s.Capture.MaxSeconds }},
	{"flows.enroll.min_seconds", func(d, s *Config) { d.Flows.Enroll.MinSeconds = s.Flows.Enroll.MinSeconds }},
	{"flows.compare.min_seconds", func(d, s *Config) { d.Flows.Compare.MinSeconds = s.Flows.Compare.MinSeconds }},
	{"playback.player", func(d, s *Config) { d.Playback.Player = s.Playback.Player }},
	{"playback.poll_ms", func(d, s *Config) { d.Playback.PollMs = s.Playback.PollMs }},
	{"compare.threshold", func(d, s *Config) { d.Compare.Threshold = s.Compare.Threshold }},
	{"compare.dimensions", func(d, s *Config) { d.Compare.Dimensions = s.Compare.Dimensions }},
	{"output.directory", func(d, s *Config) { d.Output.Directory = s.Output.Directory }},
	{"output.history_directory", func(d, s *Config) { d.Output.HistoryDirectory = s.Output.HistoryDirectory }},
}

// Keys returns the mergeable keys in display order.
func Keys() []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.key
	}
	return keys
}

// mergeConfigs implements the inheritance model: every key the profile sets
// explicitly (even to a zero value) wins, everything else comes from base.
// A nil isSet treats every key of the profile as set.
func mergeConfigs(base, profile *Config, isSet func(key string) bool) *Config {
	result := &Config{Inheritance: make(map[string]string)}
	if base != nil {
		*result = *base
		result.Inheritance = make(map[string]string)
	}

	for _, f := range fields {
		result.Inheritance[f.key] = inheritedStatus
		if profile == nil {
			continue
		}

		if isSet == nil || isSet(f.key) {
			f.copy(result, profile)
			result.Inheritance[f.key] = profileSpecificStatus
		}
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks ranges and formats of the resolved config.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.base_url must be an absolute http(s) URL, got: %q", c.Server.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.base_url scheme must be http or https, got: %s", u.Scheme)
	}
	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be > 0, got: %d", c.Server.TimeoutSeconds)
	}

	switch strings.ToLower(c.Capture.Backend) {
	case "ffmpeg", "auto":
	default:
		return fmt.Errorf("capture.backend must be 'ffmpeg' or 'auto', got: %s", c.Capture.Backend)
	}
	if c.Capture.InputFormat == "" {
		return fmt.Errorf("capture.input_format is required")
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture.sample_rate must be > 0, got: %d", c.Capture.SampleRate)
	}
	if !strings.HasPrefix(c.Capture.MIMEType, "audio/") {
		return fmt.Errorf("capture.mime_type must be an audio MIME type, got: %s", c.Capture.MIMEType)
	}
	if c.Capture.TickMs <= 0 {
		return fmt.Errorf("capture.tick_ms must be > 0, got: %d", c.Capture.TickMs)
	}
	if c.Capture.MaxSeconds <= 0 {
		return fmt.Errorf("capture.max_seconds must be > 0, got: %.1f", c.Capture.MaxSeconds)
	}

	for name, flow := range map[Flow]FlowConfig{FlowEnroll: c.Flows.Enroll, FlowCompare: c.Flows.Compare} {
		if flow.MinSeconds < 0 {
			return fmt.Errorf("flows.%s.min_seconds must be >= 0, got: %.1f", name, flow.MinSeconds)
		}
		if flow.MinSeconds >= c.Capture.MaxSeconds {
			return fmt.Errorf("flows.%s.min_seconds (%.1f) must be below capture.max_seconds (%.1f)",
				name, flow.MinSeconds, c.Capture.MaxSeconds)
		}
	}

	switch c.Playback.Player {
	case "auto", "ffplay", "mpv", "vlc":
	default:
		return fmt.Errorf("playback.player must be one of auto, ffplay, mpv, vlc, got: %s", c.Playback.Player)
	}
	if c.Playback.PollMs <= 0 {
		return fmt.Errorf("playback.poll_ms must be > 0, got: %d", c.Playback.PollMs)
	}

	if c.Compare.Threshold < 0 || c.Compare.Threshold > 100 {
		return fmt.Errorf("compare.threshold must be within [0, 100], got: %.1f", c.Compare.Threshold)
	}
	if c.Compare.Dimensions < 5 || c.Compare.Dimensions > 50 || c.Compare.Dimensions%5 != 0 {
		return fmt.Errorf("compare.dimensions must be a multiple of 5 within [5, 50], got: %d", c.Compare.Dimensions)
	}

	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}

	return nil
}

// Timeout is the remote request timeout.
func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// TickInterval is the recording timer granularity.
func (c CaptureConfig) TickInterval() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

// MaxDuration is the auto-stop limit.
func (c CaptureConfig) MaxDuration() time.Duration {
	return seconds(c.MaxSeconds)
}

// MinDuration returns the minimum accepted recording length of a flow.
func (f FlowsConfig) MinDuration(flow Flow) time.Duration {
	switch flow {
	case FlowEnroll:
		return seconds(f.Enroll.MinSeconds)
	default:
		return seconds(f.Compare.MinSeconds)
	}
}

// PollInterval is the playback position polling granularity.
func (p PlaybackConfig) PollInterval() time.Duration {
	return time.Duration(p.PollMs) * time.Millisecond
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
