// Package httpapi exposes the latches of a node over HTTP.
//
// Routes:
//
//	PUT    /latches/{name}?count=N&autoDelete=bool   get or create
//	GET    /latches/{name}                           lookup, 404 when absent
//	POST   /latches/{name}/countdown?n=N
//	POST   /latches/{name}/countdown-all
//	POST   /latches/{name}/await?timeout=D
//	DELETE /latches/{name}
//	GET    /latches/{name}/watch                     WebSocket state stream
//	GET    /latches/{name}/events                    Server-Sent Events stream
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-latch/v1/catalog"
	"github.com/mirkobrombin/go-latch/v1/core"
	warperrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// Option configures the handler.
type Option func(*handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *handler) { h.logger = l }
}

// WithMetricsHandler serves m on /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *handler) { h.metrics = m }
}

type handler struct {
	node    *core.Node
	logger  *slog.Logger
	metrics http.Handler
}

// View is the JSON form of a latch state.
type View struct {
	Name         string `json:"name"`
	ID           string `json:"id"`
	Count        int    `json:"count"`
	InitialCount int    `json:"initialCount"`
	AutoDelete   bool   `json:"autoDelete"`
	Removed      bool   `json:"removed"`
}

func viewOf(l *core.Latch) View {
	st := l.State()
	return View{
		Name:         l.Name(),
		ID:           l.ID(),
		Count:        st.Count,
		InitialCount: l.InitialCount(),
		AutoDelete:   l.AutoDelete(),
		Removed:      st.Removed,
	}
}

// NewHandler returns the HTTP API of node.
func NewHandler(node *core.Node, opts ...Option) http.Handler {
	h := &handler{node: node, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /latches/{name}", h.create)
	mux.HandleFunc("GET /latches/{name}", h.get)
	mux.HandleFunc("POST /latches/{name}/countdown", h.countDown)
	mux.HandleFunc("POST /latches/{name}/countdown-all", h.countDownAll)
	mux.HandleFunc("POST /latches/{name}/await", h.await)
	mux.HandleFunc("DELETE /latches/{name}", h.remove)
	mux.HandleFunc("GET /latches/{name}/watch", h.watchWebSocket)
	mux.HandleFunc("GET /latches/{name}/events", h.watchSSE)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, catalog.ErrContention):
		status = http.StatusConflict
	case errors.Is(err, warperrors.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, warperrors.ErrCommunication),
		errors.Is(err, warperrors.ErrConnectionClosed),
		errors.Is(err, core.ErrNodeClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("latchd: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), status)
}

// lookup returns a handle on an existing latch, writing 404 when there is
// none. The caller must Detach the handle.
func (h *handler) lookup(w http.ResponseWriter, r *http.Request) (*core.Latch, bool) {
	l, ok, err := h.node.Latch(r.Context(), r.PathValue("name"), 0, false, false)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if !ok {
		http.Error(w, "latch not found", http.StatusNotFound)
		return nil, false
	}
	return l, true
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, err := strconv.Atoi(q.Get("count"))
	if err != nil {
		http.Error(w, "invalid count", http.StatusBadRequest)
		return
	}
	autoDelete := false
	if v := q.Get("autoDelete"); v != "" {
		if autoDelete, err = strconv.ParseBool(v); err != nil {
			http.Error(w, "invalid autoDelete", http.StatusBadRequest)
			return
		}
	}
	l, _, err := h.node.Latch(r.Context(), r.PathValue("name"), count, autoDelete, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer l.Detach()
	writeJSON(w, http.StatusOK, viewOf(l))
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	l, ok := h.lookup(w, r)
	if !ok {
		return
	}
	defer l.Detach()
	if _, err := l.Count(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(l))
}

func (h *handler) countDown(w http.ResponseWriter, r *http.Request) {
	n := 1
	if v := r.URL.Query().Get("n"); v != "" {
		var err error
		if n, err = strconv.Atoi(v); err != nil {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
	}
	l, ok := h.lookup(w, r)
	if !ok {
		return
	}
	defer l.Detach()
	if _, err := l.CountDownN(r.Context(), n); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(l))
}

func (h *handler) countDownAll(w http.ResponseWriter, r *http.Request) {
	l, ok := h.lookup(w, r)
	if !ok {
		return
	}
	defer l.Detach()
	if err := l.CountDownAll(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(l))
}

type awaitResponse struct {
	Released bool `json:"released"`
	View
}

func (h *handler) await(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		var err error
		if timeout, err = time.ParseDuration(v); err != nil || timeout < 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
	}
	l, ok := h.lookup(w, r)
	if !ok {
		return
	}
	defer l.Detach()

	released := true
	var err error
	if timeout > 0 {
		released, err = l.AwaitTimeout(r.Context(), timeout)
	} else {
		err = l.Await(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, awaitResponse{Released: released, View: viewOf(l)})
}

func (h *handler) remove(w http.ResponseWriter, r *http.Request) {
	l, ok, err := h.node.Latch(r.Context(), r.PathValue("name"), 0, false, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ok {
		defer l.Detach()
		if err := l.Close(r.Context()); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// stream calls send with the latch state now and after every change, until
// the latch is removed, send fails or ctx ends.
func stream(ctx context.Context, l *core.Latch, send func(View) error) {
	for {
		changed := l.Changed()
		v := viewOf(l)
		if err := send(v); err != nil || v.Removed {
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

var upgrader = websocket.Upgrader{}

func (h *handler) watchWebSocket(w http.ResponseWriter, r *http.Request) {
	l, ok := h.lookup(w, r)
	if !ok {
		return
	}
	defer l.Detach()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// the client never sends data; a read error means it went away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	stream(ctx, l, func(v View) error { return conn.WriteJSON(v) })
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (h *handler) watchSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	l, ok := h.lookup(w, r)
	if !ok {
		return
	}
	defer l.Detach()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	stream(r.Context(), l, func(v View) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}
