package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/nabbi/zoneminder/internal/config"
	"github.com/nabbi/zoneminder/internal/control"
	"github.com/nabbi/zoneminder/internal/registry"
	"github.com/nabbi/zoneminder/internal/session"
	"github.com/nabbi/zoneminder/internal/source"
	"github.com/nabbi/zoneminder/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Gateway is the browser-facing surface: a websocket stream endpoint that
// spawns the per-session server, a JSON status passthrough over the control
// plane, and metrics.
type Gateway struct {
	cfg     *config.Config
	store   *store.Store
	control *control.Client
}

func New(cfg *config.Config, st *store.Store) *Gateway {
	return &Gateway{
		cfg:   cfg,
		store: st,
		control: control.NewClient(
			cfg.Registry.RuntimeDir,
			cfg.Registry.LocateTimeout,
			cfg.Registry.LocatePoll,
			cfg.Stream.ControlTimeout,
		),
	}
}

func (g *Gateway) Start(ctx context.Context, addr string) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/stream", g.handleStream)
	r.Get("/status", g.handleStatus)
	r.Get("/events", g.handleEvents)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("gateway listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := parseStreamRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	factory, err := g.sourceFactory(req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "event not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess, err := session.Start(r.Context(), session.Options{
		RuntimeDir:        g.cfg.Registry.RuntimeDir,
		KeepaliveInterval: g.cfg.Stream.KeepaliveInterval,
		MaxStreamDelay:    g.cfg.Stream.MaxStreamDelay,
	}, req, factory, &wsSink{conn: conn})
	if err != nil {
		reason := "startup failure"
		if errors.Is(err, session.ErrBusy) {
			reason = "session busy"
		}
		log.WithError(err).WithField("key", req.Key).Warn("failed to start session")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return
	}

	if req.Mode == session.ModeEvent {
		if err := g.store.BumpViews(req.EventId); err != nil {
			log.WithError(err).Debug("failed to bump event views")
		}
	}

	// The conn belongs to the session now; it closes it during teardown.
	// Drain client messages so websocket control frames are processed and a
	// client-side close surfaces as the session's next write failure.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	<-sess.Done()
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.ParseUint(r.URL.Query().Get("key"), 10, 32)
	if err != nil {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}

	res, err := g.control.Send(r.Context(), uint32(key), control.Command{Tag: control.CmdQuery})
	switch {
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, "no session for key", http.StatusNotFound)
		return
	case errors.Is(err, control.ErrTimeout):
		http.Error(w, "session did not respond", http.StatusGatewayTimeout)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"progress": res.Progress,
		"rate":     res.Rate,
		"scale":    res.Scale,
		"playing":  res.Playing,
		"error":    res.Error,
	})
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := g.store.ListEvents()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (g *Gateway) sourceFactory(req session.StreamRequest) (session.SourceFactory, error) {
	switch req.Mode {
	case session.ModeEvent:
		event, err := g.store.GetEvent(req.EventId)
		if err != nil {
			return nil, err
		}
		dataDir := g.cfg.Server.DataDir
		return func(context.Context) (source.Source, error) {
			return source.NewEvent(dataDir, event.Id, event.Frames, event.Fps)
		}, nil
	case session.ModeLive:
		sdpPath := monitorFeedPath(g.cfg.Server.DataDir, req.Key)
		return func(ctx context.Context) (source.Source, error) {
			return source.NewLive(ctx, sdpPath)
		}, nil
	default:
		return nil, errors.New("mode must be live or event")
	}
}

func parseStreamRequest(r *http.Request) (session.StreamRequest, error) {
	q := r.URL.Query()

	key, err := strconv.ParseUint(q.Get("key"), 10, 32)
	if err != nil {
		return session.StreamRequest{}, errors.New("key is required")
	}
	mode := session.Mode(q.Get("mode"))
	if mode != session.ModeLive && mode != session.ModeEvent {
		return session.StreamRequest{}, errors.New("mode must be live or event")
	}

	req := session.StreamRequest{Key: uint32(key), Mode: mode}
	if mode == session.ModeEvent {
		event, err := strconv.ParseUint(q.Get("event"), 10, 64)
		if err != nil {
			return session.StreamRequest{}, errors.New("event is required for event mode")
		}
		req.EventId = event
	}
	if scale, err := strconv.ParseUint(q.Get("scale"), 10, 16); err == nil {
		req.Scale = uint16(scale)
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		req.Offset = offset
	}
	return req, nil
}

func monitorFeedPath(dataDir string, key uint32) string {
	// Monitor feeds are described by an SDP file per connection key.
	return dataDir + "/monitor-" + strconv.FormatUint(uint64(key), 10) + ".sdp"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
