package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bookmesh/bookmesh/internal/core"
	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/validation"
)

// readPayload decodes a size-capped JSON body into a raw map for
// schema validation.
func (s *Server) readPayload(c *gin.Context) (map[string]interface{}, error) {
	reader := http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodyBytes)
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, apperrors.New(apperrors.CodePayloadTooLarge, "request body too large", apperrors.ClassValidation)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.Validation("request body must be a JSON object")
	}
	return payload, nil
}

// handleChat validates the payload and streams the answer as SSE
func (s *Server) handleChat(c *gin.Context) {
	payload, err := s.readPayload(c)
	if err != nil {
		renderError(c, err)
		return
	}
	clean, err := validation.ValidateChatRequest(payload)
	if err != nil {
		renderError(c, err)
		return
	}

	req := core.AnswerRequest{
		User:       currentUser(c),
		Message:    stringField(clean, "message"),
		BookID:     stringField(clean, "book_id"),
		Intent:     stringField(clean, "intent"),
		TargetLang: stringField(clean, "targetLang"),
		IP:         c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
		RequestID:  requestID(c),
	}
	if req.Intent == "" {
		req.Intent = "ask"
	}
	if v, ok := clean["chapter_idx"].(float64); ok {
		idx := int(v)
		req.ChapterIdx = &idx
	}
	if v, ok := clean["conversationId"].(string); ok {
		req.ConversationID = v
	}
	if v, ok := clean["allow_stale"].(bool); ok {
		req.AllowStale = v
	}
	if obj, ok := clean["context"].(map[string]interface{}); ok {
		if text, ok := obj["text"].(string); ok {
			req.Selection = text
		}
	}

	ctx := c.Request.Context()
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	emitter, err := newSSEEmitter(c.Writer, requestID(c))
	if err != nil {
		renderError(c, err)
		return
	}
	if err := s.pipeline.Answer(ctx, req, emitter); err != nil {
		if emitter.started {
			// Headers are gone; the error travels as the terminal event
			_ = emitter.Error(err)
			return
		}
		renderError(c, err)
	}
}

// handleIndexBook re-chunks and re-embeds a book. Only the owner may
// trigger indexing.
func (s *Server) handleIndexBook(c *gin.Context) {
	user := currentUser(c)
	book, err := s.books.GetBook(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if user == nil || book.OwnerID != user.ID {
		renderError(c, apperrors.Forbidden("only the owner can index a book"))
		return
	}

	result, err := s.pipeline.IndexBook(c.Request.Context(), book)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleFeedback validates and acknowledges a feedback submission
func (s *Server) handleFeedback(c *gin.Context) {
	payload, err := s.readPayload(c)
	if err != nil {
		renderError(c, err)
		return
	}
	clean, err := validation.FeedbackSchema().Validate(payload)
	if err != nil {
		renderError(c, err)
		return
	}

	fields := map[string]interface{}{
		"rating":     clean["rating"],
		"request_id": requestID(c),
	}
	if user := currentUser(c); user != nil {
		fields["user_id"] = user.ID
	}
	s.logger.Info("Feedback received", fields)
	s.metrics.RecordCounter("api.feedback", 1, nil)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// handleStats reports cache counters, hit rate, and the quality
// monitor state when one is wired.
func (s *Server) handleStats(c *gin.Context) {
	if s.stats == nil {
		renderError(c, apperrors.NotFound("stats are not enabled"))
		return
	}
	body := gin.H{
		"cache":    s.stats.Stats(),
		"hit_rate": s.stats.HitRate(),
	}
	if s.quality != nil {
		body["quality"] = s.quality.State()
	}
	c.JSON(http.StatusOK, body)
}

// handleHealth pings every registered dependency with a short budget
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.health))
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			checks[name] = "down"
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "up"
		}
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func stringField(payload map[string]interface{}, name string) string {
	v, _ := payload[name].(string)
	return v
}
