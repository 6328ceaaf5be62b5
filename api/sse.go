package api

import (
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

// sseSink writes stream events onto a gin response, flushing after
// every event so clients see deltas as they happen. String payloads
// (the [DONE] sentinel) go out raw; everything else is JSON-encoded by
// the SSE encoder.
type sseSink struct {
	w gin.ResponseWriter
}

func newSSESink(c *gin.Context) *sseSink {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	return &sseSink{w: c.Writer}
}

func (s *sseSink) Send(name string, payload interface{}) error {
	if err := sse.Encode(s.w, sse.Event{Event: name, Data: payload}); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}
