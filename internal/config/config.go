package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"meal-mate/backend/internal/classifier"
	"meal-mate/backend/internal/dosage"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Dosage     DosageConfig     `mapstructure:"dosage"`
	Carbs      CarbsConfig      `mapstructure:"carbs"`
	Line       LineConfig       `mapstructure:"line"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Chat       ChatConfig       `mapstructure:"chat"`
}

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxImageBytes  int64    `mapstructure:"max_image_bytes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ClassifierConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	PredictionKey string        `mapstructure:"prediction_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type PipelineConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type DosageConfig struct {
	CarbFactor       float64 `mapstructure:"carb_factor"`
	CorrectionFactor float64 `mapstructure:"correction_factor"`
	ReferenceSugar   float64 `mapstructure:"reference_sugar"`
}

// CarbsConfig selects the lookup table source. TablePath wins over
// CatalogDB; with neither set the embedded table is used.
type CarbsConfig struct {
	TablePath string `mapstructure:"table_path"`
	CatalogDB string `mapstructure:"catalog_db"`
}

type LineConfig struct {
	ChannelSecret string `mapstructure:"channel_secret"`
	AccessToken   string `mapstructure:"access_token"`
}

// Enabled reports whether LINE credentials are configured.
func (c LineConfig) Enabled() bool {
	return c.ChannelSecret != "" && c.AccessToken != ""
}

type TelegramConfig struct {
	Token         string `mapstructure:"token"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// Enabled reports whether a Telegram bot token is configured.
func (c TelegramConfig) Enabled() bool {
	return c.Token != ""
}

type ChatConfig struct {
	DefaultWeight  float64       `mapstructure:"default_weight"`
	DefaultSugar   float64       `mapstructure:"default_sugar"`
	NotifyFailures bool          `mapstructure:"notify_failures"`
	DedupeTTL      time.Duration `mapstructure:"dedupe_ttl"`
}

// Policy converts the dosage section into a dosage.Policy.
func (c DosageConfig) Policy() dosage.Policy {
	return dosage.Policy{
		CarbFactor:       c.CarbFactor,
		CorrectionFactor: c.CorrectionFactor,
		ReferenceSugar:   c.ReferenceSugar,
	}
}

// ClientConfig converts the classifier section into a classifier.Config.
func (c ClassifierConfig) ClientConfig() classifier.Config {
	return classifier.Config{
		Endpoint:      c.Endpoint,
		PredictionKey: c.PredictionKey,
		Timeout:       c.Timeout,
	}
}

// Load reads defaults, the optional file named by CONFIG_FILE and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_image_bytes", int64(10<<20))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("classifier.timeout", 20*time.Second)
	v.SetDefault("pipeline.timeout", 15*time.Second)
	v.SetDefault("dosage.carb_factor", dosage.DefaultCarbFactor)
	v.SetDefault("dosage.correction_factor", dosage.DefaultCorrectionFactor)
	v.SetDefault("dosage.reference_sugar", dosage.DefaultReferenceSugar)
	v.SetDefault("chat.default_weight", 60.0)
	v.SetDefault("chat.default_sugar", 100.0)
	v.SetDefault("chat.notify_failures", true)
	v.SetDefault("chat.dedupe_ttl", 10*time.Minute)
}

func (c *Config) normalize() {
	c.Server.Port = strings.TrimSpace(c.Server.Port)
	origins := c.Server.AllowedOrigins[:0]
	for _, o := range c.Server.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.Server.AllowedOrigins = origins
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Classifier.Endpoint = strings.TrimSpace(c.Classifier.Endpoint)
	c.Classifier.PredictionKey = strings.TrimSpace(c.Classifier.PredictionKey)
	c.Carbs.TablePath = strings.TrimSpace(c.Carbs.TablePath)
	c.Carbs.CatalogDB = strings.TrimSpace(c.Carbs.CatalogDB)
	c.Line.ChannelSecret = strings.TrimSpace(c.Line.ChannelSecret)
	c.Line.AccessToken = strings.TrimSpace(c.Line.AccessToken)
	c.Telegram.Token = strings.TrimSpace(c.Telegram.Token)
	c.Telegram.WebhookSecret = strings.TrimSpace(c.Telegram.WebhookSecret)
}

// Validate checks the loaded values and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Server.MaxImageBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_image_bytes must be positive, got %d", c.Server.MaxImageBytes))
	}
	if c.Classifier.Endpoint == "" {
		errs = append(errs, errors.New("classifier.endpoint (PREDICTION_ENDPOINT) is required"))
	}
	if c.Classifier.PredictionKey == "" {
		errs = append(errs, errors.New("classifier.prediction_key (PREDICTION_KEY) is required"))
	}
	if c.Classifier.Timeout <= 0 {
		errs = append(errs, errors.New("classifier.timeout must be positive"))
	}
	if c.Pipeline.Timeout <= 0 {
		errs = append(errs, errors.New("pipeline.timeout must be positive"))
	}
	if err := c.Dosage.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if (c.Line.ChannelSecret == "") != (c.Line.AccessToken == "") {
		errs = append(errs, errors.New("line.channel_secret and line.access_token must be set together"))
	}
	if c.Chat.DefaultWeight <= 0 || math.IsNaN(c.Chat.DefaultWeight) || math.IsInf(c.Chat.DefaultWeight, 0) {
		errs = append(errs, fmt.Errorf("chat.default_weight must be positive, got %v", c.Chat.DefaultWeight))
	}
	if math.IsNaN(c.Chat.DefaultSugar) || math.IsInf(c.Chat.DefaultSugar, 0) {
		errs = append(errs, errors.New("chat.default_sugar must be finite"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
