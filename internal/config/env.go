package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

// The LINE and port variable names are the ones the bot has always been
// deployed with.
func envBindings() []envBinding {
	return []envBinding{
		{"server.port", "PORT", validateEnvPort},
		{"server.allowed_origins", "ALLOWED_ORIGINS", nil},
		{"server.max_image_bytes", "MAX_IMAGE_BYTES", validateEnvPositiveInt},
		{"log.level", "LOG_LEVEL", nil},
		{"log.format", "LOG_FORMAT", nil},

		{"classifier.endpoint", "PREDICTION_ENDPOINT", nil},
		{"classifier.prediction_key", "PREDICTION_KEY", nil},
		{"classifier.timeout", "CLASSIFIER_TIMEOUT", validateEnvDuration},
		{"pipeline.timeout", "PIPELINE_TIMEOUT", validateEnvDuration},

		{"dosage.carb_factor", "CARB_FACTOR", validateEnvFloat},
		{"dosage.correction_factor", "CORRECTION_FACTOR", validateEnvFloat},
		{"dosage.reference_sugar", "REFERENCE_SUGAR", validateEnvFloat},

		{"carbs.table_path", "CARB_TABLE_PATH", nil},
		{"carbs.catalog_db", "CARB_CATALOG_DB", nil},

		{"line.channel_secret", "SECRET_CHANNEL", nil},
		{"line.access_token", "ACCESS_TOKEN", nil},
		{"telegram.token", "TELEGRAM_BOT_TOKEN", nil},
		{"telegram.webhook_secret", "TELEGRAM_WEBHOOK_SECRET", nil},

		{"chat.default_weight", "CHAT_DEFAULT_WEIGHT", validateEnvFloat},
		{"chat.default_sugar", "CHAT_DEFAULT_SUGAR", validateEnvFloat},
		{"chat.notify_failures", "CHAT_NOTIFY_FAILURES", validateEnvBool},
		{"chat.dedupe_ttl", "CHAT_DEDUPE_TTL", validateEnvDuration},
	}
}

func bindEnvVars(v *viper.Viper) error {
	var problems []string
	for _, b := range envBindings() {
		if err := v.BindEnv(b.ConfigKey, b.EnvVar); err != nil {
			problems = append(problems, fmt.Sprintf("bind %s: %v", b.EnvVar, err))
			continue
		}
		if b.Validate == nil {
			continue
		}
		if value := os.Getenv(b.EnvVar); value != "" {
			if err := b.Validate(value); err != nil {
				problems = append(problems, fmt.Sprintf("invalid %s value %q: %v", b.EnvVar, value, err))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true/false, 1/0, t/f")
	}
	return nil
}

func validateEnvFloat(value string) error {
	_, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	return err
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive, got %s", d)
	}
	return nil
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}
