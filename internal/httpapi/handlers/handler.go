package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contentforge/relay/internal/events"
	"github.com/contentforge/relay/internal/generate"
	"github.com/contentforge/relay/internal/ratelimit"
)

type Handler struct {
	Svc        *generate.Service
	Limiter    ratelimit.Limiter
	Events     events.Publisher
	GenTimeout time.Duration
}

func NewHandler(svc *generate.Service, limiter ratelimit.Limiter, pub events.Publisher, genTimeout time.Duration) *Handler {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Handler{Svc: svc, Limiter: limiter, Events: pub, GenTimeout: genTimeout}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func fail(c *gin.Context, httpStatus int, msg string) {
	c.JSON(httpStatus, gin.H{"error": msg})
}
