package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contentforge/relay/internal/ai"
	"github.com/contentforge/relay/internal/events"
	"github.com/contentforge/relay/internal/generate"
	"github.com/contentforge/relay/internal/httpapi"
	"github.com/contentforge/relay/internal/httpapi/handlers"
	"github.com/contentforge/relay/internal/ratelimit"
)

type stubProvider struct {
	reply     string
	err       error
	fragments []string
}

func (p *stubProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	_ = messages
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

func (p *stubProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	_ = messages
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if p.err != nil {
			errs <- p.err
			return
		}
		for _, f := range p.fragments {
			select {
			case chunks <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, errs
}

func newTestRouter(t *testing.T, prov ai.Provider, limit int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	limiter := ratelimit.NewMemoryLimiter(limit, 10*time.Second)
	t.Cleanup(limiter.Close)

	h := handlers.NewHandler(generate.NewService(prov), limiter, nil, 5*time.Second)
	return httpapi.NewRouter(h)
}

func postJSON(r *gin.Engine, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGenerate_BufferedSuccess(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "Coffee is great."}, 10)

	w := postJSON(r, `{"topic":"coffee","platform":"blog","tone":"casual"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Content string `json:"content"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Content != "Coffee is great." {
		t.Fatalf("content = %q", body.Content)
	}
	if !strings.HasPrefix(body.ID, "gen_") {
		t.Fatalf("missing generation id, got %q", body.ID)
	}
}

func TestGenerate_MissingFieldIs400(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "unused"}, 10)

	w := postJSON(r, `{"topic":"coffee","platform":"blog"}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error != "Missing required fields" {
		t.Fatalf("error = %q", body.Error)
	}
}

func TestGenerate_InvalidJSONIs400(t *testing.T) {
	r := newTestRouter(t, &stubProvider{}, 10)

	w := postJSON(r, `{"topic":`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGenerate_EleventhRequestIs429(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "ok"}, 10)
	hdr := map[string]string{"X-Forwarded-For": "203.0.113.9"}

	for i := 1; i <= 10; i++ {
		if w := postJSON(r, `{"topic":"t","platform":"p","tone":"n"}`, hdr); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}

	w := postJSON(r, `{"topic":"t","platform":"p","tone":"n"}`, hdr)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request: status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q, want \"0\"", got)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Fatalf("X-RateLimit-Limit = %q, want \"10\"", got)
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("X-RateLimit-Reset header missing")
	}
}

func TestGenerate_ForwardedForPartitionsCallers(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "ok"}, 1)

	if w := postJSON(r, `{"topic":"t","platform":"p","tone":"n"}`, map[string]string{"X-Forwarded-For": "198.51.100.1"}); w.Code != http.StatusOK {
		t.Fatalf("first caller: status = %d", w.Code)
	}
	if w := postJSON(r, `{"topic":"t","platform":"p","tone":"n"}`, map[string]string{"X-Forwarded-For": "198.51.100.1"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("first caller, second request: status = %d, want 429", w.Code)
	}
	if w := postJSON(r, `{"topic":"t","platform":"p","tone":"n"}`, map[string]string{"X-Forwarded-For": "198.51.100.2"}); w.Code != http.StatusOK {
		t.Fatalf("second caller should have its own window: status = %d", w.Code)
	}
}

func TestGenerate_UpstreamFailureIs500AndConsumesSlot(t *testing.T) {
	prov := &stubProvider{err: &ai.UpstreamError{Message: "connection refused"}}
	r := newTestRouter(t, prov, 1)
	hdr := map[string]string{"X-Forwarded-For": "203.0.113.7"}

	w := postJSON(r, `{"topic":"t","platform":"p","tone":"n"}`, hdr)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error != "connection refused" {
		t.Fatalf("error = %q", body.Error)
	}

	// admission happened before the upstream call, so the slot is spent
	w = postJSON(r, `{"topic":"t","platform":"p","tone":"n"}`, hdr)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("follow-up status = %d, want 429", w.Code)
	}
}

func TestGenerate_UpstreamStatusIsForwarded(t *testing.T) {
	prov := &stubProvider{err: &ai.UpstreamError{StatusCode: http.StatusBadGateway, Message: "bad gateway"}}
	r := newTestRouter(t, prov, 10)

	w := postJSON(r, `{"topic":"t","platform":"p","tone":"n"}`, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

type slowProvider struct{}

func (slowProvider) Chat(ctx context.Context, _ []ai.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestGenerate_UpstreamTimeoutIs504(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := ratelimit.NewMemoryLimiter(10, 10*time.Second)
	t.Cleanup(limiter.Close)

	h := handlers.NewHandler(generate.NewService(slowProvider{}), limiter, nil, 10*time.Millisecond)
	r := httpapi.NewRouter(h)

	w := postJSON(r, `{"topic":"t","platform":"p","tone":"n"}`, nil)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504; body = %s", w.Code, w.Body.String())
	}
}

func TestGenerate_StreamDeliversFragmentsInOrder(t *testing.T) {
	prov := &stubProvider{fragments: []string{"A", "B", "C"}}
	r := newTestRouter(t, prov, 10)

	w := postJSON(r, `{"topic":"t","platform":"p","tone":"n","stream":true,"messages":[]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	body := w.Body.String()
	ia := strings.Index(body, `"delta":"A"`)
	ib := strings.Index(body, `"delta":"B"`)
	ic := strings.Index(body, `"delta":"C"`)
	if ia < 0 || ib < 0 || ic < 0 {
		t.Fatalf("missing fragments in stream: %s", body)
	}
	if !(ia < ib && ib < ic) {
		t.Fatalf("fragments out of order: %s", body)
	}
	if !strings.Contains(body, `"type":"done"`) {
		t.Fatalf("stream missing done event: %s", body)
	}
}

func TestGenerate_StreamUpstreamFailureBeforeFirstFragment(t *testing.T) {
	prov := &stubProvider{err: &ai.UpstreamError{Message: "boom"}}
	r := newTestRouter(t, prov, 10)

	w := postJSON(r, `{"topic":"t","platform":"p","tone":"n","stream":true}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500; body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "boom") {
		t.Fatalf("body missing upstream message: %s", w.Body.String())
	}
}

// cancelAwareProvider streams fragments forever until its context is
// cancelled, then signals that it observed the cancellation.
type cancelAwareProvider struct {
	sawCancel chan struct{}
}

func (p *cancelAwareProvider) Chat(context.Context, []ai.Message) (string, error) {
	return "", nil
}

func (p *cancelAwareProvider) StreamChat(ctx context.Context, _ []ai.Message) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for {
			select {
			case chunks <- "fragment ":
			case <-ctx.Done():
				close(p.sawCancel)
				return
			}
		}
	}()
	return chunks, errs
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Status
	}
	return out
}

func TestGenerate_ClientDisconnectStopsStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := ratelimit.NewMemoryLimiter(10, 10*time.Second)
	t.Cleanup(limiter.Close)

	prov := &cancelAwareProvider{sawCancel: make(chan struct{})}
	pub := &recordingPublisher{}
	h := handlers.NewHandler(generate.NewService(prov), limiter, pub, 5*time.Second)

	srv := httptest.NewServer(httpapi.NewRouter(h))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/generate",
		strings.NewReader(`{"topic":"t","platform":"p","tone":"n","stream":true}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	// read a little of the stream, then walk away
	buf := make([]byte, 256)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	cancel()

	select {
	case <-prov.sawCancel:
	case <-time.After(5 * time.Second):
		t.Fatal("provider stream kept running after the client disconnected")
	}

	// the terminal state still records a usage event, off the request path
	deadline := time.Now().Add(5 * time.Second)
	for {
		if statuses := pub.statuses(); len(statuses) > 0 {
			if statuses[0] != "canceled" {
				t.Fatalf("usage event status = %q, want \"canceled\"", statuses[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no usage event recorded for the cancelled stream")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOptionsPreflightIs204WithCORS(t *testing.T) {
	r := newTestRouter(t, &stubProvider{}, 10)

	req := httptest.NewRequest(http.MethodOptions, "/api/generate", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
	if methods := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "POST") {
		t.Fatalf("Access-Control-Allow-Methods = %q", methods)
	}
}

func TestPing(t *testing.T) {
	r := newTestRouter(t, &stubProvider{}, 10)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
