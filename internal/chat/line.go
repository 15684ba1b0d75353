package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

const maxContentBytes = 20 << 20

// LineMessenger talks to the LINE Messaging API.
type LineMessenger struct {
	api  *messaging_api.MessagingApiAPI
	blob *messaging_api.MessagingApiBlobAPI
}

// NewLineMessenger creates API clients for the channel access token.
func NewLineMessenger(accessToken string) (*LineMessenger, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, errors.New("line access token required")
	}
	api, err := messaging_api.NewMessagingApiAPI(accessToken)
	if err != nil {
		return nil, fmt.Errorf("line messaging api: %w", err)
	}
	blob, err := messaging_api.NewMessagingApiBlobAPI(accessToken)
	if err != nil {
		return nil, fmt.Errorf("line blob api: %w", err)
	}
	return &LineMessenger{api: api, blob: blob}, nil
}

// Content downloads the binary content of an image message.
func (m *LineMessenger) Content(ctx context.Context, messageID string) ([]byte, error) {
	resp, err := m.blob.WithContext(ctx).GetMessageContent(messageID)
	if err != nil {
		return nil, fmt.Errorf("get message content: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
	if err != nil {
		return nil, fmt.Errorf("read message content: %w", err)
	}
	return data, nil
}

// Reply sends a text reply using the event's reply token.
func (m *LineMessenger) Reply(ctx context.Context, replyToken, text string) error {
	_, err := m.api.WithContext(ctx).ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages: []messaging_api.MessageInterface{
			messaging_api.TextMessage{Text: text},
		},
	})
	return err
}

// ParseLineRequest verifies the X-Line-Signature header and converts the
// message events of the callback into Events. Other event types are skipped.
func ParseLineRequest(channelSecret string, r *http.Request) ([]Event, error) {
	cb, err := webhook.ParseRequest(channelSecret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("parse line callback: %w", err)
	}

	events := make([]Event, 0, len(cb.Events))
	for _, raw := range cb.Events {
		e, ok := raw.(webhook.MessageEvent)
		if !ok {
			continue
		}
		ev := Event{ID: e.WebhookEventId, ReplyTo: e.ReplyToken}
		switch msg := e.Message.(type) {
		case webhook.TextMessageContent:
			ev.Kind = KindText
			ev.MessageID = msg.Id
			ev.Text = msg.Text
		case webhook.ImageMessageContent:
			ev.Kind = KindImage
			ev.MessageID = msg.Id
		default:
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
