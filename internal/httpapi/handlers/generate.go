package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contentforge/relay/internal/ai"
	"github.com/contentforge/relay/internal/events"
	"github.com/contentforge/relay/internal/generate"
)

// clientKey partitions rate-limit counters per caller: the first entry of
// X-Forwarded-For when present, else a loopback default. Spoofable, accepted
// as a known limitation of address-keyed limiting.
func clientKey(c *gin.Context) string {
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	return "127.0.0.1"
}

// Generate handles POST /api/generate for both response modes. The request
// moves through one linear pipeline: bind, validate, admit, build prompt,
// call upstream, respond. Exactly one response per terminal state, no retries.
func (h *Handler) Generate(c *gin.Context) {
	var req generate.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := generate.ValidateRequest(req); err != nil {
		var verr *generate.ValidationError
		if errors.As(err, &verr) {
			fail(c, http.StatusBadRequest, verr.Error())
			return
		}
		fail(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	key := clientKey(c)

	res, err := h.Limiter.Admit(c.Request.Context(), key)
	if err != nil {
		// Counter store outage: admit rather than refuse service.
		slog.Warn("rate limit store unavailable, admitting", "key", key, "error", err)
	} else {
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			fail(c, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
	}

	genID := generate.NewGenerationID()

	if req.Stream {
		h.generateStream(c, req, genID, key)
		return
	}
	h.generateBuffered(c, req, genID, key)
}

func (h *Handler) generateBuffered(c *gin.Context, req generate.Request, genID, key string) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.GenTimeout)
	defer cancel()

	content, err := h.Svc.Generate(ctx, req)
	if err != nil {
		h.publishEvent(req, genID, key, "error", start)
		h.failUpstream(c, err)
		return
	}

	h.publishEvent(req, genID, key, "ok", start)
	c.JSON(http.StatusOK, gin.H{"content": content, "id": genID})
}

// failUpstream maps a generation failure onto the error taxonomy: upstream
// status when the upstream provided one, 504 on timeout, 500 otherwise.
func (h *Handler) failUpstream(c *gin.Context, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		fail(c, http.StatusGatewayTimeout, "Upstream request timed out")
		return
	}

	var ue *ai.UpstreamError
	if errors.As(err, &ue) {
		status := ue.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusInternalServerError
		}
		fail(c, status, ue.Message)
		return
	}

	fail(c, http.StatusInternalServerError, "Something went wrong")
}

func (h *Handler) generateStream(c *gin.Context, req generate.Request, genID, key string) {
	ctx := c.Request.Context()
	start := time.Now()

	chunks, errs := h.Svc.GenerateStream(ctx, req)

	// Hold off on SSE framing until the upstream produces something, so a
	// failure before the first fragment still gets a real status code.
	var first string
	haveFirst := false
	select {
	case err, ok := <-errs:
		if ok && err != nil {
			h.publishEvent(req, genID, key, "error", start)
			if errors.Is(err, generate.ErrStreamingUnsupported) {
				fail(c, http.StatusInternalServerError, err.Error())
				return
			}
			h.failUpstream(c, err)
			return
		}
	case ch, ok := <-chunks:
		if ok {
			first = ch
			haveFirst = true
		} else if err, ok := <-errs; ok && err != nil {
			h.publishEvent(req, genID, key, "error", start)
			h.failUpstream(c, err)
			return
		}
	case <-ctx.Done():
		h.publishEvent(req, genID, key, "canceled", start)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"streaming unsupported\"}\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	if haveFirst {
		writeJSON("chunk", gin.H{"type": "chunk", "delta": first})
	}

	// heartbeat keeps idle proxies from dropping the connection
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				if err, ok := <-errs; ok && err != nil {
					h.publishEvent(req, genID, key, "error", start)
					writeJSON("error", gin.H{"type": "error", "message": err.Error()})
					return
				}
				h.publishEvent(req, genID, key, "ok", start)
				writeJSON("done", gin.H{"type": "done", "id": genID})
				return
			}
			writeJSON("chunk", gin.H{"type": "chunk", "delta": ch})

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case <-ctx.Done():
			// client went away; upstream request shares this context and is
			// torn down with it
			h.publishEvent(req, genID, key, "canceled", start)
			return
		}
	}
}

// publishEvent records usage metadata off the request path.
func (h *Handler) publishEvent(req generate.Request, genID, key, status string, start time.Time) {
	ev := events.Event{
		GenerationID: genID,
		ClientKey:    key,
		Platform:     req.Platform,
		Tone:         req.Tone,
		Streamed:     req.Stream,
		Status:       status,
		DurationMS:   time.Since(start).Milliseconds(),
		OccurredAt:   time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Events.Publish(ctx, ev); err != nil {
			slog.Warn("usage event publish failed", "generation_id", ev.GenerationID, "error", err)
		}
	}()
}
