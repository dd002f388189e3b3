// Package httpapi is the ops surface of a feedsync process: health,
// Prometheus metrics, and a read-mostly JSON view over the sessions the
// process holds open. It exists for dashboards and debugging, not as the
// data plane; the engine itself never depends on it.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dispatchwire/feedsync/internal/feed"
)

type ServerConfig struct {
	// AuthToken guards the /v1 routes when set. Health and metrics stay open.
	AuthToken string

	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	cfg      ServerConfig
	registry *prometheus.Registry
	limiter  *rateLimiter

	mu       sync.Mutex
	sessions map[string]*feed.Session
}

func NewServer(registry *prometheus.Registry, cfg ServerConfig) *Server {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
		sessions: map[string]*feed.Session{},
	}
}

// Attach exposes a session on the API until it is detached.
func (s *Server) Attach(sess *feed.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Info().FeedID] = sess
}

func (s *Server) Detach(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, feedID)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.registry != nil {
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "feeds" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.limiter != nil && !s.limiter.allow(clientKey(r), time.Now()) {
		retryAfter := int(s.cfg.RateLimitWindow.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.handleList(w)
	case len(parts) == 3 && r.Method == http.MethodGet:
		s.handleFeed(w, parts[2], correlationID)
	case len(parts) == 4 && parts[3] == "messages" && r.Method == http.MethodPost:
		s.handleSend(w, r, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) session(feedID string) (*feed.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[feedID]
	return sess, ok
}

func (s *Server) handleList(w http.ResponseWriter) {
	s.mu.Lock()
	sessions := make([]*feed.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	views := make([]feedView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, newFeedView(sess))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].FeedID < views[j].FeedID })
	writeJSON(w, http.StatusOK, map[string]any{"feeds": views})
}

func (s *Server) handleFeed(w http.ResponseWriter, feedID, correlationID string) {
	sess, ok := s.session(feedID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "feed not attached", correlationID)
		return
	}
	snap := sess.Snapshot()
	items := make([]itemView, 0, len(snap))
	for _, it := range snap {
		items = append(items, newItemView(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feed":  newFeedView(sess),
		"items": items,
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, feedID, correlationID string) {
	sess, ok := s.session(feedID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "feed not attached", correlationID)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body", correlationID)
		return
	}
	var req struct {
		Text       string `json:"text"`
		SenderID   string `json:"senderId"`
		SenderKind string `json:"senderKind"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}

	tempID, err := sess.Send(feed.Payload{Text: req.Text, SenderID: req.SenderID, SenderKind: req.SenderKind})
	if err != nil {
		switch {
		case errors.Is(err, feed.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, feed.ErrFeedExpired):
			writeError(w, http.StatusGone, "feed_expired", err.Error(), correlationID)
		case errors.Is(err, feed.ErrClosed):
			writeError(w, http.StatusConflict, "feed_closed", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"clientTempId": tempID})
}

type feedView struct {
	FeedID         string     `json:"feedId"`
	Kind           string     `json:"kind"`
	State          string     `json:"state"`
	Unread         int        `json:"unread"`
	Expired        bool       `json:"expired"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	ItemCount      int        `json:"itemCount"`
}

func newFeedView(sess *feed.Session) feedView {
	info := sess.Info()
	v := feedView{
		FeedID:         info.FeedID,
		Kind:           string(info.Kind),
		State:          string(sess.State()),
		Unread:         sess.Unread(),
		Expired:        sess.Expired(),
		LastActivityAt: info.LastActivityAt,
		ItemCount:      len(sess.Snapshot()),
	}
	if !info.ExpiresAt.IsZero() {
		expires := info.ExpiresAt
		v.ExpiresAt = &expires
	}
	return v
}

type itemView struct {
	ID           string     `json:"id,omitempty"`
	ClientTempID string     `json:"clientTempId,omitempty"`
	Origin       string     `json:"origin"`
	SenderID     string     `json:"senderId,omitempty"`
	SenderKind   string     `json:"senderKind,omitempty"`
	Text         string     `json:"text,omitempty"`
	ImageURL     string     `json:"imageUrl,omitempty"`
	Latitude     float64    `json:"latitude,omitempty"`
	Longitude    float64    `json:"longitude,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ReadAt       *time.Time `json:"readAt,omitempty"`
}

func newItemView(it feed.Item) itemView {
	v := itemView{
		ID:           it.ID,
		ClientTempID: it.ClientTempID,
		Origin:       string(it.Origin),
		SenderID:     it.Payload.SenderID,
		SenderKind:   it.Payload.SenderKind,
		Text:         it.Payload.Text,
		ImageURL:     it.Payload.ImageURL,
		Latitude:     it.Payload.Latitude,
		Longitude:    it.Payload.Longitude,
		CreatedAt:    it.CreatedAt,
	}
	if !it.ReadAt.IsZero() {
		readAt := it.ReadAt
		v.ReadAt = &readAt
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	payload := map[string]string{"code": code, "message": message}
	if correlationID != "" {
		payload["correlationId"] = correlationID
	}
	writeJSON(w, status, payload)
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	return r.RemoteAddr
}
