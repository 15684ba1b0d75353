package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"meal-mate/backend/internal/carbs"
	"meal-mate/backend/internal/chat"
	"meal-mate/backend/internal/classifier"
	"meal-mate/backend/internal/dosage"
	"meal-mate/backend/internal/metrics"
	"meal-mate/backend/internal/pipeline"
)

const (
	defaultMaxImageBytes = 10 << 20
	requestIDHeader      = "X-Request-ID"
)

// Config defines server dependencies.
type Config struct {
	AllowedOrigins  []string
	MaxImageBytes   int64
	PipelineTimeout time.Duration
	Classifier      classifier.Config
	Table           *carbs.Table
	TableSource     string
	Policy          dosage.Policy

	LineChannelSecret  string
	LineAccessToken    string
	TelegramToken      string
	TelegramSecret     string
	Chat               chat.Config
	DisableLineBot     bool
	DisableTelegramBot bool
}

// Option overrides a dependency that NewServer would otherwise build.
type Option func(*options)

type options struct {
	classifier pipeline.Classifier
	line       chat.Messenger
	telegram   chat.Messenger
	registry   *prometheus.Registry
}

// WithClassifier replaces the HTTP classifier client.
func WithClassifier(c pipeline.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithLineMessenger replaces the LINE Messaging API client.
func WithLineMessenger(m chat.Messenger) Option {
	return func(o *options) { o.line = m }
}

// WithTelegramMessenger replaces the Telegram Bot API client.
func WithTelegramMessenger(m chat.Messenger) Option {
	return func(o *options) { o.telegram = m }
}

// WithRegistry registers the metrics on registry instead of a fresh one.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// Server wires HTTP handlers with the classification pipeline and chat bots.
type Server struct {
	pipeline       *pipeline.Pipeline
	metrics        *metrics.Metrics
	notifier       *ResultNotifier
	allowedOrigins []string
	maxImageBytes  int64
	tableSource    string

	lineBot        *chat.Bot
	lineSecret     string
	telegramBot    *chat.Bot
	telegramSecret string
}

// NewServer constructs the API server.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if cfg.Table == nil {
		return nil, errors.New("carb table required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	m, err := metrics.New(o.registry)
	if err != nil {
		return nil, err
	}

	cls := o.classifier
	if cls == nil {
		client, err := classifier.NewClient(cfg.Classifier)
		if err != nil {
			return nil, fmt.Errorf("classifier client: %w", err)
		}
		cls = client
	}

	notifier := NewResultNotifier()
	p, err := pipeline.New(cls, cfg.Table, cfg.Policy,
		pipeline.WithTimeout(cfg.PipelineTimeout),
		pipeline.WithObservers(m, notifier),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	s := &Server{
		pipeline:       p,
		metrics:        m,
		notifier:       notifier,
		allowedOrigins: cfg.AllowedOrigins,
		maxImageBytes:  cfg.MaxImageBytes,
		tableSource:    cfg.TableSource,
		lineSecret:     cfg.LineChannelSecret,
		telegramSecret: cfg.TelegramSecret,
	}
	if s.maxImageBytes <= 0 {
		s.maxImageBytes = defaultMaxImageBytes
	}

	if !cfg.DisableLineBot {
		if err := s.setupLine(cfg, o.line); err != nil {
			return nil, err
		}
	}
	if !cfg.DisableTelegramBot {
		if err := s.setupTelegram(cfg, o.telegram); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"foods":        cfg.Table.Len(),
		"table_source": cfg.TableSource,
		"line":         s.lineBot != nil,
		"telegram":     s.telegramBot != nil,
	}).Info("api server configured")
	return s, nil
}

func (s *Server) setupLine(cfg Config, messenger chat.Messenger) error {
	if cfg.LineChannelSecret == "" {
		logrus.Info("LINE webhook disabled - no channel secret configured")
		return nil
	}
	if messenger == nil {
		client, err := chat.NewLineMessenger(cfg.LineAccessToken)
		if err != nil {
			return fmt.Errorf("line messenger: %w", err)
		}
		messenger = client
	}
	chatCfg := cfg.Chat
	chatCfg.Transport = "line"
	bot, err := chat.NewBot(chatCfg, messenger, s.pipeline, s.metrics)
	if err != nil {
		return fmt.Errorf("line bot: %w", err)
	}
	s.lineBot = bot
	return nil
}

func (s *Server) setupTelegram(cfg Config, messenger chat.Messenger) error {
	if messenger == nil {
		if cfg.TelegramToken == "" {
			logrus.Info("Telegram webhook disabled - no bot token configured")
			return nil
		}
		client, err := chat.NewTelegramMessenger(cfg.TelegramToken)
		if err != nil {
			return fmt.Errorf("telegram messenger: %w", err)
		}
		logrus.WithField("username", client.Username()).Info("telegram bot authorized")
		messenger = client
	}
	chatCfg := cfg.Chat
	chatCfg.Transport = "telegram"
	bot, err := chat.NewBot(chatCfg, messenger, s.pipeline, s.metrics)
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}
	s.telegramBot = bot
	return nil
}

// Router configures gin routes.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()
	r.Use(requestID())

	corsCfg := cors.DefaultConfig()
	if len(s.allowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.allowedOrigins
		corsCfg.AllowCredentials = true
	}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", requestIDHeader}
	corsCfg.ExposeHeaders = []string{requestIDHeader}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	r.Use(cors.New(corsCfg))

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		api.GET("/healthz", s.handleHealth)
		api.GET("/config", s.handleConfig)
		api.GET("/foods", s.handleFoods)
		api.POST("/classify", s.handleClassify)
		api.GET("/classify/stream", s.handleClassifyStream)
	}

	if s.lineBot != nil {
		r.POST("/webhook", s.handleLineWebhook)
	}
	if s.telegramBot != nil {
		r.POST("/telegram/webhook", s.handleTelegramWebhook)
	}
	return r
}

// Wait blocks until background chat work has finished.
func (s *Server) Wait() {
	if s.lineBot != nil {
		s.lineBot.Wait()
	}
	if s.telegramBot != nil {
		s.telegramBot.Wait()
	}
}

// Close disconnects stream clients.
func (s *Server) Close() {
	s.notifier.Close()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleConfig(c *gin.Context) {
	transports := []string{"api"}
	if s.lineBot != nil {
		transports = append(transports, "line")
	}
	if s.telegramBot != nil {
		transports = append(transports, "telegram")
	}
	c.JSON(http.StatusOK, ConfigResponse{
		Policy:        s.pipeline.Policy(),
		Foods:         s.pipeline.Table().Len(),
		TableSource:   s.tableSource,
		Transports:    transports,
		MaxImageBytes: s.maxImageBytes,
	})
}

func (s *Server) handleFoods(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": s.pipeline.Table().Entries()})
}

func (s *Server) renderError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// requestID propagates or assigns X-Request-ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestLog(c *gin.Context) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"request_id": c.GetString("request_id"),
		"path":       c.FullPath(),
	})
}
