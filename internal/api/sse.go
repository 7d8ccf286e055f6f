package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/models"
)

// sseEmitter streams pipeline events as server-sent events in the
// fixed order sources, token*, usage, done. Errors before the first
// write become a JSON error response; after streaming has begun they
// are sent as a terminal error event instead.
type sseEmitter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	requestID string
	started   bool
}

func newSSEEmitter(w http.ResponseWriter, requestID string) (*sseEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, apperrors.Internal(fmt.Errorf("response writer does not support streaming"))
	}
	return &sseEmitter{w: w, flusher: flusher, requestID: requestID}, nil
}

// writeEvent emits one named SSE event with a JSON payload
func (e *sseEmitter) writeEvent(name string, payload interface{}) error {
	if !e.started {
		e.started = true
		header := e.w.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		e.w.WriteHeader(http.StatusOK)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *sseEmitter) Sources(sources []models.SourceRef) error {
	if sources == nil {
		sources = []models.SourceRef{}
	}
	return e.writeEvent("sources", sources)
}

func (e *sseEmitter) Token(token string) error {
	return e.writeEvent("token", map[string]string{"text": token})
}

func (e *sseEmitter) Usage(usage models.Usage) error {
	return e.writeEvent("usage", usage)
}

func (e *sseEmitter) Done(completedAt time.Time, cached bool) error {
	return e.writeEvent("done", map[string]interface{}{
		"completed_at": completedAt.UTC(),
		"cached":       cached,
	})
}

// Error terminates an in-flight stream with an error event carrying
// the standard envelope body.
func (e *sseEmitter) Error(err error) error {
	ce := apperrors.AsClassified(err)
	body := errorBody{
		Code:      ce.Code,
		Message:   ce.Message,
		Timestamp: time.Now().UTC(),
		RequestID: e.requestID,
	}
	if ce.Class == apperrors.ClassInternal || ce.Class == apperrors.ClassUnknown {
		body.Message = "internal error"
	}
	if ce.Retry != nil && ce.Retry.RetryAfter > 0 {
		body.RetryAfter = int(ce.Retry.RetryAfter.Seconds())
	}
	return e.writeEvent("error", errorEnvelope{Error: body})
}
