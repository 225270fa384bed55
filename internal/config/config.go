package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/e7canasta/orion-scan/modules/region"
	"github.com/e7canasta/orion-scan/modules/types"
)

// EnvPrefix prefixes environment overrides (ORION_SCAN_SOURCE_FPS, ...)
const EnvPrefix = "ORION_SCAN"

// Source kinds
const (
	SourceSynthetic = "synthetic"
	SourceRTSP      = "rtsp"
	SourceScreen    = "screen"
)

// Config represents the complete scand configuration
type Config struct {
	InstanceID       string        `mapstructure:"instance_id"`
	Debug            bool          `mapstructure:"debug"`
	ShutdownTimeoutS int           `mapstructure:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Session          SessionConfig `mapstructure:"session"`
	Source           SourceConfig  `mapstructure:"source"`
	Engine           EngineConfig  `mapstructure:"engine"`
	MQTT             MQTTConfig    `mapstructure:"mqtt"`
	Health           HealthConfig  `mapstructure:"health"`
}

// SessionConfig contains scan session settings
type SessionConfig struct {
	Autorotate            bool          `mapstructure:"autorotate"`
	SupportedOrientations []string      `mapstructure:"supported_orientations"` // portrait, portrait_upside_down, landscape_left, landscape_right
	Region                region.Region `mapstructure:"region"`
	SettingsFile          string        `mapstructure:"settings_file"`          // recognizer settings document (YAML)
	ResetStateOnApply     bool          `mapstructure:"reset_state_on_apply"`
	MaxRecognitionRateHz  float64       `mapstructure:"max_recognition_rate_hz"` // 0 = unlimited; with source.warmup_s, capped at the measured FPS
	StartPaused           bool          `mapstructure:"start_paused"`
	StrictPreconditions   bool          `mapstructure:"strict_preconditions"`
	DebugFrames           bool          `mapstructure:"debug_frames"`
}

// SourceConfig contains frame source settings
type SourceConfig struct {
	Kind           string  `mapstructure:"kind"` // synthetic, rtsp, screen
	RTSPURL        string  `mapstructure:"rtsp_url"`
	Width          int     `mapstructure:"width"`
	Height         int     `mapstructure:"height"`
	FPS            float64 `mapstructure:"fps"`
	HardwareDecode bool    `mapstructure:"hardware_decode"`
	ScreenX        int     `mapstructure:"screen_x"`
	ScreenY        int     `mapstructure:"screen_y"`
	WarmupS        int     `mapstructure:"warmup_s"` // 0 disables warm-up
}

// EngineConfig contains recognizer process settings
type EngineConfig struct {
	Command      string   `mapstructure:"command"`
	Args         []string `mapstructure:"args"`
	TimeoutMS    int      `mapstructure:"timeout_ms"`
	CropToRegion bool     `mapstructure:"crop_to_region"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool       `mapstructure:"enabled"`
	Broker   string     `mapstructure:"broker"`
	ClientID string     `mapstructure:"client_id"`
	Topics   MQTTTopics `mapstructure:"topics"`
	QoS      byte       `mapstructure:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `mapstructure:"control"`
	Results string `mapstructure:"results"`
}

// HealthConfig contains the health/metrics HTTP server settings
type HealthConfig struct {
	Port int `mapstructure:"port"` // 0 disables the server
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// EngineTimeout returns the per-request recognizer timeout
func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutMS) * time.Millisecond
}

// WarmupDuration returns the source warm-up window
func (c *Config) WarmupDuration() time.Duration {
	return time.Duration(c.Source.WarmupS) * time.Second
}

// OrientationPolicy builds the session orientation policy
func (c *Config) OrientationPolicy() (types.OrientationPolicy, error) {
	if len(c.Session.SupportedOrientations) == 0 {
		return types.OrientationPolicy{
			Autorotate: c.Session.Autorotate,
			Supported:  types.DefaultOrientationPolicy().Supported,
		}, nil
	}
	orientations := make([]types.Orientation, 0, len(c.Session.SupportedOrientations))
	for _, name := range c.Session.SupportedOrientations {
		o, err := types.ParseOrientation(name)
		if err != nil {
			return types.OrientationPolicy{}, err
		}
		orientations = append(orientations, o)
	}
	return types.OrientationPolicy{
		Autorotate: c.Session.Autorotate,
		Supported:  types.MaskOf(orientations...),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("shutdown_timeout_s", 5)
	v.SetDefault("session.autorotate", false)
	v.SetDefault("session.region", map[string]float64{"x": 0, "y": 0, "width": 1, "height": 1})
	v.SetDefault("source.kind", SourceSynthetic)
	v.SetDefault("source.width", 640)
	v.SetDefault("source.height", 480)
	v.SetDefault("source.fps", 5.0)
	v.SetDefault("engine.timeout_ms", 2000)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("health.port", 8080)
}

// newViper returns a viper instance wired for YAML files and env overrides
func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads and parses a YAML configuration file. Environment variables
// prefixed with ORION_SCAN_ override file values.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// debug builds are strict unless the file or env says otherwise
	if cfg.Debug && !v.IsSet("session.strict_preconditions") {
		cfg.Session.StrictPreconditions = true
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
