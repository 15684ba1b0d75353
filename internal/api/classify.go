package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"meal-mate/backend/internal/pipeline"
)

// formOverhead leaves room for the non-file multipart fields.
const formOverhead = 64 << 10

func (s *Server) handleClassify(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxImageBytes+formOverhead)

	header, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.renderTooLarge(c)
			return
		}
		s.renderInvalid(c, errors.New("image file is required"))
		return
	}
	if header.Size > s.maxImageBytes {
		s.renderTooLarge(c)
		return
	}

	weight, err := formFloat(c, "weight", true)
	if err != nil {
		s.renderInvalid(c, err)
		return
	}
	sugar, err := formFloat(c, "currentSugar", true)
	if err != nil {
		s.renderInvalid(c, err)
		return
	}
	in := pipeline.Input{Weight: weight, CurrentSugar: sugar, Source: "api"}
	if raw := strings.TrimSpace(c.PostForm("carbPortion")); raw != "" {
		portion, err := formFloat(c, "carbPortion", false)
		if err != nil {
			s.renderInvalid(c, err)
			return
		}
		in.CarbPortion = &portion
	}

	file, err := header.Open()
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, fmt.Errorf("open upload: %w", err))
		return
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, fmt.Errorf("read upload: %w", err))
		return
	}

	result, err := s.pipeline.Run(c.Request.Context(), image, in)
	if err != nil {
		s.renderPipelineError(c, err)
		return
	}

	requestLog(c).WithFields(logrus.Fields{
		"food":    result.FoodName,
		"carbs":   result.CarbEstimation,
		"insulin": result.Insulin,
	}).Info("image classified")
	c.JSON(http.StatusOK, newClassifyResponse(result))
}

func formFloat(c *gin.Context, field string, required bool) (float64, error) {
	raw := strings.TrimSpace(c.PostForm(field))
	if raw == "" {
		if required {
			return 0, fmt.Errorf("%s is required", field)
		}
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %q", field, raw)
	}
	return v, nil
}

func (s *Server) renderInvalid(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: err.Error(),
		Kind:  string(pipeline.KindInvalidInput),
	})
}

func (s *Server) renderTooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
		Error: fmt.Sprintf("image exceeds %d bytes", s.maxImageBytes),
		Kind:  string(pipeline.KindInvalidInput),
	})
}

func (s *Server) renderPipelineError(c *gin.Context, err error) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		requestLog(c).WithError(err).Error("classify failed")
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}

	status := statusForError(perr)
	entry := requestLog(c).WithError(err).WithField("kind", perr.Kind)
	if status >= http.StatusInternalServerError {
		entry.Warn("classify failed")
	} else {
		entry.Info("classify rejected")
	}
	c.JSON(status, ErrorResponse{
		Error:          perr.Error(),
		Kind:           string(perr.Kind),
		Reason:         string(perr.Reason),
		Label:          perr.Label,
		UpstreamStatus: perr.StatusCode,
		UpstreamBody:   perr.Body,
	})
}

func statusForError(err *pipeline.Error) int {
	switch err.Kind {
	case pipeline.KindInvalidInput:
		return http.StatusBadRequest
	case pipeline.KindNoPrediction, pipeline.KindUnknownFood:
		return http.StatusUnprocessableEntity
	case pipeline.KindClassifierFailure:
		if err.Reason == pipeline.ReasonTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
