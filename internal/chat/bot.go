package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"meal-mate/backend/internal/pipeline"
)

// ErrInvalidSignature is returned when a webhook request fails authentication.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Kind is the type of an incoming chat message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Event is a transport-neutral chat message.
type Event struct {
	// ID identifies the delivery; redeliveries carry the same ID.
	ID        string
	Kind      Kind
	ReplyTo   string
	MessageID string
	Text      string
}

// Messenger is the transport used to fetch message content and send replies.
type Messenger interface {
	Content(ctx context.Context, messageID string) ([]byte, error)
	Reply(ctx context.Context, replyTo, text string) error
}

// Runner executes the classification pipeline.
type Runner interface {
	Run(ctx context.Context, image []byte, in pipeline.Input) (pipeline.Result, error)
}

// Recorder receives chat counters. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordChatEvent(transport, kind string)
	RecordChatReply(transport string, err error)
}

// Profile is the physiological profile used for chat requests.
type Profile struct {
	Weight       float64
	CurrentSugar float64
}

// Config controls bot behaviour.
type Config struct {
	Transport      string
	Profile        Profile
	NotifyFailures bool
	Timeout        time.Duration
	DedupeTTL      time.Duration
}

// Bot answers chat events: text is echoed, images go through the pipeline.
type Bot struct {
	transport      string
	messenger      Messenger
	runner         Runner
	recorder       Recorder
	profile        Profile
	notifyFailures bool
	timeout        time.Duration
	seen           *cache.Cache
	wg             sync.WaitGroup
}

// NewBot constructs a bot for one transport. recorder may be nil.
func NewBot(cfg Config, messenger Messenger, runner Runner, recorder Recorder) (*Bot, error) {
	if messenger == nil {
		return nil, errors.New("chat bot: messenger required")
	}
	if runner == nil {
		return nil, errors.New("chat bot: runner required")
	}
	if cfg.Profile.Weight <= 0 {
		return nil, fmt.Errorf("chat bot: default weight must be positive, got %v", cfg.Profile.Weight)
	}
	transport := strings.TrimSpace(cfg.Transport)
	if transport == "" {
		transport = "chat"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 55 * time.Second
	}
	ttl := cfg.DedupeTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Bot{
		transport:      transport,
		messenger:      messenger,
		runner:         runner,
		recorder:       recorder,
		profile:        cfg.Profile,
		notifyFailures: cfg.NotifyFailures,
		timeout:        timeout,
		seen:           cache.New(ttl, 2*ttl),
	}, nil
}

// Transport returns the transport name the bot was configured with.
func (b *Bot) Transport() string {
	return b.transport
}

// Dispatch handles events in the background so the webhook can be
// acknowledged immediately. Redelivered events are dropped. It returns the
// number of events accepted.
func (b *Bot) Dispatch(ctx context.Context, events []Event) int {
	accepted := 0
	for _, ev := range events {
		if ev.ID != "" {
			if err := b.seen.Add(ev.ID, struct{}{}, cache.DefaultExpiration); err != nil {
				logrus.WithFields(logrus.Fields{
					"transport": b.transport,
					"event_id":  ev.ID,
				}).Debug("dropping redelivered chat event")
				continue
			}
		}
		if b.recorder != nil {
			b.recorder.RecordChatEvent(b.transport, string(ev.Kind))
		}
		accepted++

		b.wg.Add(1)
		go func(ev Event) {
			defer b.wg.Done()
			eventCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
			defer cancel()
			if err := b.Handle(eventCtx, ev); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"transport": b.transport,
					"event_id":  ev.ID,
					"kind":      ev.Kind,
				}).Warn("chat event failed")
			}
		}(ev)
	}
	return accepted
}

// Wait blocks until every dispatched event has been handled.
func (b *Bot) Wait() {
	b.wg.Wait()
}

// Handle processes a single event synchronously.
func (b *Bot) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindText:
		if ev.Text == "" {
			return nil
		}
		return b.reply(ctx, ev.ReplyTo, ev.Text)
	case KindImage:
		return b.handleImage(ctx, ev)
	default:
		return nil
	}
}

func (b *Bot) handleImage(ctx context.Context, ev Event) error {
	image, err := b.messenger.Content(ctx, ev.MessageID)
	if err != nil {
		b.notifyFailure(ctx, ev, err)
		return fmt.Errorf("fetch content %s: %w", ev.MessageID, err)
	}

	result, err := b.runner.Run(ctx, image, pipeline.Input{
		Weight:       b.profile.Weight,
		CurrentSugar: b.profile.CurrentSugar,
		Source:       b.transport,
	})
	if err != nil {
		b.notifyFailure(ctx, ev, err)
		return fmt.Errorf("classify %s: %w", ev.MessageID, err)
	}

	logrus.WithFields(logrus.Fields{
		"transport": b.transport,
		"food":      result.FoodName,
		"carbs":     result.CarbEstimation,
		"insulin":   result.Insulin,
	}).Info("chat image classified")
	return b.reply(ctx, ev.ReplyTo, FormatResult(result))
}

func (b *Bot) notifyFailure(ctx context.Context, ev Event, cause error) {
	if !b.notifyFailures {
		return
	}
	if err := b.reply(ctx, ev.ReplyTo, FailureNotice(cause)); err != nil {
		logrus.WithError(err).WithField("transport", b.transport).Warn("send failure notice")
	}
}

func (b *Bot) reply(ctx context.Context, replyTo, text string) error {
	err := b.messenger.Reply(ctx, replyTo, text)
	if b.recorder != nil {
		b.recorder.RecordChatReply(b.transport, err)
	}
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

// FormatResult renders the chat reply for a successful run.
func FormatResult(r pipeline.Result) string {
	return fmt.Sprintf("The food is %s with an estimated %sg of carbs", r.FoodName, formatGrams(r.CarbEstimation))
}

// FailureNotice renders the user-facing message for a failed run.
func FailureNotice(err error) string {
	var perr *pipeline.Error
	if errors.As(err, &perr) {
		switch perr.Kind {
		case pipeline.KindNoPrediction:
			return "Sorry, I could not identify the food in that picture."
		case pipeline.KindUnknownFood:
			return fmt.Sprintf("I think this is %s, but I don't have a carb estimate for it yet.", perr.Label)
		}
	}
	return "Sorry, I couldn't analyse that image right now. Please try again later."
}

// formatGrams keeps one decimal for whole numbers ("60.0") and the shortest
// exact form otherwise ("4.5").
func formatGrams(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
