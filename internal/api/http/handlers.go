package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/driftline/driftline/internal/checkpoint"
	"github.com/driftline/driftline/internal/deadletter"
	"github.com/driftline/driftline/internal/index"
	"github.com/driftline/driftline/internal/observability"
	"github.com/driftline/driftline/internal/query"
)

// Handler serves the query and operations API. Components not running
// in the current mode are nil and their endpoints answer 503.
type Handler struct {
	query   *query.Service
	stats   *observability.SyncStats
	tracker *checkpoint.Tracker
	sink    deadletter.Sink
}

// NewHandler creates the API handler. Any component may be nil when the
// corresponding service is not running in this process.
func NewHandler(q *query.Service, stats *observability.SyncStats, tracker *checkpoint.Tracker, sink deadletter.Sink) *Handler {
	return &Handler{query: q, stats: stats, tracker: tracker, sink: sink}
}

// Routes returns the full API routing table wrapped in the default
// middleware chain.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/v1/search/posts", h.searchPosts)
	mux.HandleFunc("/v1/search/users", h.searchUsers)
	mux.HandleFunc("/v1/search/hashtags", h.searchHashtags)
	mux.HandleFunc("/v1/autocomplete/users", h.autocompleteUsers)
	mux.HandleFunc("/v1/autocomplete/hashtags", h.autocompleteHashtags)
	mux.HandleFunc("/v1/analytics/trending", h.trending)
	mux.HandleFunc("/v1/analytics/stats", h.indexStats)
	mux.HandleFunc("/v1/sync/status", h.syncStatus)
	mux.HandleFunc("/v1/deadletter", h.deadLetters)
	return DefaultMiddleware()(mux)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) requireQuery(w http.ResponseWriter, r *http.Request) bool {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return false
	}
	if h.query == nil {
		writeError(w, http.StatusServiceUnavailable, "query service not enabled", requestID)
		return false
	}
	return true
}

func (h *Handler) searchPosts(w http.ResponseWriter, r *http.Request) {
	if !h.requireQuery(w, r) {
		return
	}
	q := r.URL.Query()
	params := query.PostSearchParams{
		Query:      q.Get("q"),
		Hashtag:    q.Get("hashtag"),
		UserID:     parseInt64(q.Get("user_id")),
		PublicOnly: q.Get("public_only") == "true",
		SortBy:     q.Get("sort"),
		Page:       int(parseInt64(q.Get("page"))),
		Size:       int(parseInt64(q.Get("per_page"))),
	}
	result, err := h.query.SearchPosts(r.Context(), params)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err, GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) searchUsers(w http.ResponseWriter, r *http.Request) {
	if !h.requireQuery(w, r) {
		return
	}
	q := r.URL.Query()
	result, err := h.query.SearchUsers(r.Context(), query.UserSearchParams{
		Query:        q.Get("q"),
		VerifiedOnly: q.Get("verified") == "true",
		Page:         int(parseInt64(q.Get("page"))),
		Size:         int(parseInt64(q.Get("per_page"))),
	})
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err, GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) searchHashtags(w http.ResponseWriter, r *http.Request) {
	if !h.requireQuery(w, r) {
		return
	}
	q := r.URL.Query()
	counts, err := h.query.SearchHashtags(r.Context(), q.Get("q"), int(parseInt64(q.Get("limit"))))
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err, GetRequestID(r.Context()))
		return
	}
	if counts == nil {
		counts = []index.TagCount{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hashtags": counts})
}

func (h *Handler) autocompleteUsers(w http.ResponseWriter, r *http.Request) {
	if !h.requireQuery(w, r) {
		return
	}
	result, err := h.query.AutocompleteUsers(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err, GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) autocompleteHashtags(w http.ResponseWriter, r *http.Request) {
	if !h.requireQuery(w, r) {
		return
	}
	counts, err := h.query.AutocompleteHashtags(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err, GetRequestID(r.Context()))
		return
	}
	if counts == nil {
		counts = []index.TagCount{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hashtags": counts})
}

func (h *Handler) trending(w http.ResponseWriter, r *http.Request) {
	if !h.requireQuery(w, r) {
		return
	}
	counts, err := h.query.TrendingHashtags(r.Context(), time.Now())
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err, GetRequestID(r.Context()))
		return
	}
	if counts == nil {
		counts = []index.TagCount{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trending": counts})
}

func (h *Handler) indexStats(w http.ResponseWriter, r *http.Request) {
	if !h.requireQuery(w, r) {
		return
	}
	stats, err := h.query.IndexStats(r.Context())
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err, GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"indexes": stats})
}

// SyncStatusResponse is the /v1/sync/status payload.
type SyncStatusResponse struct {
	UptimeSeconds     int64                          `json:"uptime_seconds"`
	Partitions        []observability.PartitionStats `json:"partitions"`
	Checkpoints       map[string]uint64              `json:"checkpoints"`
	DeadLetterPending int64                          `json:"dead_letter_pending"`
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}
	if h.stats == nil || h.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "sync service not enabled", requestID)
		return
	}

	resp := SyncStatusResponse{
		UptimeSeconds: int64(h.stats.Uptime().Seconds()),
		Partitions:    h.stats.Snapshot(),
		Checkpoints:   h.tracker.Snapshot(),
	}
	if h.sink != nil {
		pending, err := h.sink.Count(r.Context())
		if err != nil {
			writeFailure(w, http.StatusInternalServerError, err, requestID)
			return
		}
		resp.DeadLetterPending = pending
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}
	if h.sink == nil {
		writeError(w, http.StatusServiceUnavailable, "dead letter sink not enabled", requestID)
		return
	}

	q := r.URL.Query()
	limit := int(parseInt64(q.Get("limit")))
	offset := int(parseInt64(q.Get("offset")))
	entries, err := h.sink.List(r.Context(), q.Get("partition"), limit, offset)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err, requestID)
		return
	}
	if entries == nil {
		entries = []*deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
