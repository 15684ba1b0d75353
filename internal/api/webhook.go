package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"meal-mate/backend/internal/chat"
)

// Chat events are handled in the background; the platform only needs a
// fast 200 to stop redelivering.
func (s *Server) handleLineWebhook(c *gin.Context) {
	events, err := chat.ParseLineRequest(s.lineSecret, c.Request)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidSignature) {
			requestLog(c).Warn("line webhook signature rejected")
		} else {
			requestLog(c).WithError(err).Warn("line webhook parse")
		}
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	accepted := s.lineBot.Dispatch(c.Request.Context(), events)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accepted": accepted})
}

func (s *Server) handleTelegramWebhook(c *gin.Context) {
	events, err := chat.ParseTelegramRequest(s.telegramSecret, c.Request)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidSignature) {
			requestLog(c).Warn("telegram webhook secret rejected")
			s.renderError(c, http.StatusUnauthorized, err)
			return
		}
		requestLog(c).WithError(err).Warn("telegram webhook parse")
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	accepted := s.telegramBot.Dispatch(c.Request.Context(), events)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accepted": accepted})
}
