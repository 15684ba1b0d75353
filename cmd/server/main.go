package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"meal-mate/backend/internal/api"
	"meal-mate/backend/internal/carbs"
	"meal-mate/backend/internal/chat"
	"meal-mate/backend/internal/config"
	"meal-mate/backend/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if err := config.ConfigureLogging(cfg.Log); err != nil {
		logrus.Fatalf("configure logging: %v", err)
	}

	table, source, err := loadTable(cfg.Carbs)
	if err != nil {
		logrus.Fatalf("load carb table: %v", err)
	}

	server, err := api.NewServer(api.Config{
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		MaxImageBytes:      cfg.Server.MaxImageBytes,
		PipelineTimeout:    cfg.Pipeline.Timeout,
		Classifier:         cfg.Classifier.ClientConfig(),
		Table:              table,
		TableSource:        source,
		Policy:             cfg.Dosage.Policy(),
		LineChannelSecret:  cfg.Line.ChannelSecret,
		LineAccessToken:    cfg.Line.AccessToken,
		TelegramToken:      cfg.Telegram.Token,
		TelegramSecret:     cfg.Telegram.WebhookSecret,
		DisableLineBot:     !cfg.Line.Enabled(),
		DisableTelegramBot: !cfg.Telegram.Enabled(),
		Chat: chat.Config{
			Profile: chat.Profile{
				Weight:       cfg.Chat.DefaultWeight,
				CurrentSugar: cfg.Chat.DefaultSugar,
			},
			NotifyFailures: cfg.Chat.NotifyFailures,
			Timeout:        cfg.Pipeline.Timeout + cfg.Classifier.Timeout,
			DedupeTTL:      cfg.Chat.DedupeTTL,
		},
	})
	if err != nil {
		logrus.Fatalf("create server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Infof("starting meal-mate backend on :%s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Close()
		err := httpServer.Shutdown(shutdownCtx)
		server.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		logrus.Fatalf("server exited: %v", err)
	}
	logrus.Info("server stopped")
}

// loadTable picks the carb table source: an explicit JSON file, then the
// food catalog, then the embedded table.
func loadTable(cfg config.CarbsConfig) (*carbs.Table, string, error) {
	if cfg.TablePath != "" {
		table, err := carbs.LoadFile(cfg.TablePath)
		if err != nil {
			return nil, "", err
		}
		logrus.WithFields(logrus.Fields{"path": cfg.TablePath, "foods": table.Len()}).Info("loaded carb table from file")
		return table, "file:" + cfg.TablePath, nil
	}

	if cfg.CatalogDB != "" {
		db, err := store.Open(cfg.CatalogDB, true)
		if err != nil {
			return nil, "", err
		}
		defer func() {
			if cerr := db.Close(); cerr != nil {
				logrus.WithError(cerr).Warn("close catalog")
			}
		}()
		table, err := carbs.FromStore(db)
		if err != nil {
			return nil, "", err
		}
		if table.Len() > 0 {
			logrus.WithFields(logrus.Fields{"db": cfg.CatalogDB, "foods": table.Len()}).Info("loaded carb table from catalog")
			return table, "catalog:" + cfg.CatalogDB, nil
		}
		logrus.WithField("db", cfg.CatalogDB).Warn("food catalog is empty; using embedded table")
	}

	return carbs.Default(), "embedded", nil
}
