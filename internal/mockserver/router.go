package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/itharness/internal/metrics"
)

// ReadyMessage is printed once the listener is open; the harness waits for it.
const ReadyMessage = "Webhook server running"

// Router serves the webhook receiver used as a stand-in for external callbacks.
// Endpoints:
//
//	POST {basePath}/webhook          record a call
//	GET  {basePath}/webhooks         list calls + count
//	GET  {basePath}/webhooks/latest  most recent call (404 when none)
//	POST {basePath}/reset            clear recorded calls
//	GET  {basePath}/health           liveness + count
//	GET  {basePath}/metrics          Prometheus metrics
type Router struct {
	store    *Store
	basePath string
	log      *slog.Logger
}

func NewRouter(basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{store: &Store{}, basePath: sanitizeBase(basePath), log: log}
}

// Store exposes the recorded calls.
func (r *Router) Store() *Store { return r.store }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/webhook", r.handleWebhook)
	group.GET("/webhooks", r.handleList)
	group.GET("/webhooks/latest", r.handleLatest)
	group.POST("/reset", r.handleReset)
	group.GET("/health", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// Serve listens on addr, announces ReadyMessage on out and serves until ctx
// is cancelled, then shuts down gracefully.
func (r *Router) Serve(ctx context.Context, addr string, out io.Writer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	_, _ = fmt.Fprintf(out, "%s on http://%s\n", ReadyMessage, ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return
	}
	w := Webhook{
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Headers:   flattenHeaders(c.Request),
		Body:      string(body),
		Method:    c.Request.Method,
		URL:       requestURL(c.Request),
	}
	if strings.HasPrefix(c.ContentType(), "application/json") && len(body) > 0 {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			w.JSON = v
		}
	}
	id := r.store.Add(w)
	r.log.Info("Webhook received", "id", id, "bytes", len(body))
	writeJSON(c, http.StatusOK, gin.H{"status": "received", "webhook_id": id, "timestamp": w.Timestamp})
}

func (r *Router) handleList(c *gin.Context) {
	items := r.store.List()
	writeJSON(c, http.StatusOK, gin.H{"webhooks": items, "count": len(items)})
}

func (r *Router) handleLatest(c *gin.Context) {
	w, n, ok := r.store.Latest()
	if !ok {
		writeJSON(c, http.StatusNotFound, gin.H{"webhook": nil, "count": 0})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"webhook": w, "count": n})
}

func (r *Router) handleReset(c *gin.Context) {
	r.store.Reset()
	r.log.Info("Webhook storage cleared")
	writeJSON(c, http.StatusOK, gin.H{"status": "reset", "count": 0})
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "healthy", "webhook_count": r.store.Count()})
}
