package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/e7canasta/orion-scan/modules/region"
	"github.com/e7canasta/orion-scan/modules/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills derived defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := ValidateSession(&cfg.Session); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := ValidateSource(&cfg.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	if cfg.Engine.Command == "" {
		return fmt.Errorf("engine.command is required")
	}
	if cfg.Engine.TimeoutMS <= 0 {
		cfg.Engine.TimeoutMS = 2000
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = fmt.Sprintf("orion-scan-%s", cfg.InstanceID)
		}
		// Set default topics if not provided
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("scan/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Results == "" {
			cfg.MQTT.Topics.Results = fmt.Sprintf("scan/results/%s", cfg.InstanceID)
		}
	}

	if cfg.Health.Port < 0 || cfg.Health.Port > 65535 {
		return fmt.Errorf("health.port must be within 0-65535, got %d", cfg.Health.Port)
	}

	return nil
}

// ValidateSession validates the session section
func ValidateSession(s *SessionConfig) error {
	if s.Region == (region.Region{}) {
		s.Region = region.Full()
	}
	if err := s.Region.Validate(); err != nil {
		return err
	}

	for _, name := range s.SupportedOrientations {
		if _, err := types.ParseOrientation(name); err != nil {
			return fmt.Errorf("supported_orientations: %w", err)
		}
	}
	if !s.Autorotate && len(s.SupportedOrientations) > 1 {
		return fmt.Errorf("supported_orientations: a fixed orientation policy allows exactly one orientation, got %d",
			len(s.SupportedOrientations))
	}

	if s.MaxRecognitionRateHz < 0 || s.MaxRecognitionRateHz > 60 {
		return fmt.Errorf("max_recognition_rate_hz must be within 0-60, got %.2f", s.MaxRecognitionRateHz)
	}
	return nil
}

// ValidateSource validates the source section
func ValidateSource(s *SourceConfig) error {
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))

	switch s.Kind {
	case SourceSynthetic, SourceScreen:
	case SourceRTSP:
		if s.RTSPURL == "" {
			return fmt.Errorf("rtsp_url is required for kind %q", SourceRTSP)
		}
		if !strings.HasPrefix(s.RTSPURL, "rtsp://") && !strings.HasPrefix(s.RTSPURL, "rtsps://") {
			return fmt.Errorf("rtsp_url must start with rtsp:// or rtsps://, got %q", s.RTSPURL)
		}
	default:
		return fmt.Errorf("unknown kind %q (must be %q, %q or %q)", s.Kind, SourceSynthetic, SourceRTSP, SourceScreen)
	}

	if s.FPS < 0.1 || s.FPS > 60 {
		return fmt.Errorf("fps must be within 0.1-60, got %.2f", s.FPS)
	}
	if s.Kind != SourceScreen && (s.Width <= 0 || s.Height <= 0) {
		return fmt.Errorf("width and height must be > 0, got %dx%d", s.Width, s.Height)
	}
	if s.WarmupS < 0 {
		return fmt.Errorf("warmup_s must be >= 0")
	}
	return nil
}
