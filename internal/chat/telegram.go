package chat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramMessenger talks to the Telegram Bot API.
type TelegramMessenger struct {
	bot        *tgbotapi.BotAPI
	httpClient *http.Client
}

// NewTelegramMessenger authorizes the bot token.
func NewTelegramMessenger(token string) (*TelegramMessenger, error) {
	bot, err := tgbotapi.NewBotAPI(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramMessenger{
		bot:        bot,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Username returns the bot account name.
func (m *TelegramMessenger) Username() string {
	return m.bot.Self.UserName
}

// Content downloads a photo by file ID.
func (m *TelegramMessenger) Content(ctx context.Context, fileID string) ([]byte, error) {
	url, err := m.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
}

// Reply answers in the chat, quoting the original message. replyTo has the
// form "<chatID>:<messageID>".
func (m *TelegramMessenger) Reply(ctx context.Context, replyTo, text string) error {
	chatID, messageID, err := parseTelegramTarget(replyTo)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = messageID
	_, err = m.bot.Send(msg)
	return err
}

// ParseTelegramRequest checks the optional secret token and decodes the update.
func ParseTelegramRequest(secret string, r *http.Request) ([]Event, error) {
	if secret != "" {
		got := r.Header.Get(telegramSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return nil, ErrInvalidSignature
		}
	}
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}
	ev, ok := TelegramEvent(update)
	if !ok {
		return nil, nil
	}
	return []Event{ev}, nil
}

// TelegramEvent converts an update carrying text or a photo.
func TelegramEvent(update tgbotapi.Update) (Event, bool) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return Event{}, false
	}
	ev := Event{
		ID:      "tg-" + strconv.Itoa(update.UpdateID),
		ReplyTo: fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
	}
	switch {
	case len(msg.Photo) > 0:
		// Telegram lists sizes smallest first.
		ev.Kind = KindImage
		ev.MessageID = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Text != "":
		ev.Kind = KindText
		ev.MessageID = strconv.Itoa(msg.MessageID)
		ev.Text = msg.Text
	default:
		return Event{}, false
	}
	return ev, true
}

func parseTelegramTarget(target string) (int64, int, error) {
	chatPart, msgPart, ok := strings.Cut(target, ":")
	if !ok {
		return 0, 0, errors.New("telegram reply target must be chat:message")
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram chat id: %w", err)
	}
	messageID, err := strconv.Atoi(msgPart)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram message id: %w", err)
	}
	return chatID, messageID, nil
}
