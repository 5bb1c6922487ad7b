package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/pkg/types"
)

// Reserved document fields the store maintains alongside the projected
// fields. The packed version also rides as the engine's external
// version number, which performs the compare-and-swap server-side.
const (
	fieldDeleted       = "deleted"
	fieldVersionTime   = "version_time"
	fieldVersionOffset = "version_offset"
)

// OpenSearchStore implements Store against an OpenSearch-compatible
// HTTP API. The conditional write uses external versioning, so the
// version check is atomic at the engine; a 409 response surfaces as a
// retryable VERSION_CONFLICT for the writer's re-read loop.
type OpenSearchStore struct {
	endpoint string
	username string
	password string
	client   *http.Client

	mu      sync.Mutex
	ensured []string
}

// NewOpenSearchStore creates a store for the given endpoint, e.g.
// "http://opensearch:9200".
func NewOpenSearchStore(endpoint string, timeout time.Duration) *OpenSearchStore {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &OpenSearchStore{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

// WithBasicAuth sets credentials sent with every request.
func (s *OpenSearchStore) WithBasicAuth(username, password string) *OpenSearchStore {
	s.username = username
	s.password = password
	return s
}

// EnsureIndexes creates any missing indexes with default dynamic
// mappings (text columns get a .keyword subfield, which the hashtag
// aggregation relies on).
func (s *OpenSearchStore) EnsureIndexes(ctx context.Context, names []string) error {
	for _, name := range names {
		status, _, err := s.do(ctx, http.MethodHead, "/"+url.PathEscape(name), nil)
		if err != nil {
			return err
		}
		if status == http.StatusOK {
			continue
		}
		body := map[string]interface{}{
			"settings": map[string]interface{}{"number_of_shards": 1},
		}
		status, respBody, err := s.do(ctx, http.MethodPut, "/"+url.PathEscape(name), body)
		if err != nil {
			return err
		}
		if status < 200 || status >= 300 {
			return errors.NewWriteError(errors.CodeIndexUnavailable,
				fmt.Sprintf("failed to create index %s: %s", name, respBody), nil)
		}
	}
	s.mu.Lock()
	s.ensured = append([]string(nil), names...)
	s.mu.Unlock()
	return nil
}

// Get fetches a document by id. Absent documents return nil.
func (s *OpenSearchStore) Get(ctx context.Context, index, id string) (*types.Document, error) {
	path := fmt.Sprintf("/%s/_doc/%s", url.PathEscape(index), url.PathEscape(id))
	status, body, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, errors.NewWriteError(errors.CodeIndexUnavailable,
			fmt.Sprintf("get %s/%s returned status %d", index, id, status), nil)
	}

	var resp struct {
		Source map[string]interface{} `json:"_source"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.NewWriteError(errors.CodeSchemaMismatch, "unreadable get response", err)
	}
	return docFromSource(index, id, resp.Source), nil
}

// PutConditional writes doc with its packed token as the external
// version. The engine rejects stale tokens with 409.
func (s *OpenSearchStore) PutConditional(ctx context.Context, doc *types.Document) (WriteResult, error) {
	body := make(map[string]interface{}, len(doc.Fields)+3)
	for k, v := range doc.Fields {
		body[k] = v
	}
	body[fieldDeleted] = doc.Deleted
	body[fieldVersionTime] = doc.Version.EventTimeMs
	body[fieldVersionOffset] = doc.Version.Offset

	path := fmt.Sprintf("/%s/_doc/%s?version=%d&version_type=external",
		url.PathEscape(doc.Index), url.PathEscape(doc.ID), doc.Version.Uint64())
	status, respBody, err := s.do(ctx, http.MethodPut, path, body)
	if err != nil {
		return SupersededBySkip, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return Applied, nil
	case status == http.StatusConflict:
		return SupersededBySkip, errors.NewWriteError(errors.CodeVersionConflict,
			fmt.Sprintf("version conflict on %s/%s", doc.Index, doc.ID), nil)
	case status == http.StatusBadRequest:
		return SupersededBySkip, errors.NewWriteError(errors.CodeSchemaMismatch,
			fmt.Sprintf("index rejected document %s/%s: %s", doc.Index, doc.ID, respBody), nil)
	default:
		return SupersededBySkip, errors.NewWriteError(errors.CodeIndexUnavailable,
			fmt.Sprintf("put %s/%s returned status %d", doc.Index, doc.ID, status), nil)
	}
}

// Search translates the request into a bool query.
func (s *OpenSearchStore) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	var must []interface{}
	var filter []interface{}

	if req.Text != "" && len(req.TextFields) > 0 {
		must = append(must, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":     req.Text,
				"fields":    req.TextFields,
				"type":      "best_fields",
				"fuzziness": "AUTO",
			},
		})
	}
	filter = append(filter, map[string]interface{}{
		"term": map[string]interface{}{fieldDeleted: false},
	})
	for field, value := range req.Filters {
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{field: value},
		})
	}
	for field, prefix := range req.Prefix {
		filter = append(filter, map[string]interface{}{
			"prefix": map[string]interface{}{field: prefix},
		})
	}
	if !req.Since.IsZero() {
		filter = append(filter, map[string]interface{}{
			"range": map[string]interface{}{
				"created_at": map[string]interface{}{"gte": req.Since.UTC().Format(time.RFC3339)},
			},
		})
	}

	var sort []interface{}
	if req.SortBy != "" {
		order := "asc"
		if req.SortDesc {
			order = "desc"
		}
		sort = append(sort, map[string]interface{}{req.SortBy: map[string]string{"order": order}})
	} else if req.Text != "" {
		sort = append(sort, "_score")
	}
	sort = append(sort, map[string]interface{}{"created_at": map[string]string{"order": "desc"}})

	size := req.Size
	if size <= 0 {
		size = 10
	}
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must, "filter": filter},
		},
		"sort": sort,
		"from": req.From,
		"size": size,
	}

	path := fmt.Sprintf("/%s/_search", url.PathEscape(req.Index))
	status, respBody, err := s.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.NewWriteError(errors.CodeIndexUnavailable,
			fmt.Sprintf("search returned status %d: %s", status, respBody), nil)
	}

	var resp struct {
		Took int64 `json:"took"`
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID     string                 `json:"_id"`
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.NewWriteError(errors.CodeSchemaMismatch, "unreadable search response", err)
	}

	result := &SearchResult{Total: resp.Hits.Total.Value, TookMs: resp.Took}
	for _, h := range resp.Hits.Hits {
		stripReserved(h.Source)
		result.Hits = append(result.Hits, Hit{ID: h.ID, Fields: h.Source})
	}
	return result, nil
}

// HashtagCounts aggregates hashtag frequency with a terms aggregation.
func (s *OpenSearchStore) HashtagCounts(ctx context.Context, since time.Time, match string, limit int) ([]TagCount, error) {
	if limit <= 0 {
		limit = 10
	}

	filter := []interface{}{
		map[string]interface{}{"term": map[string]interface{}{fieldDeleted: false}},
	}
	if !since.IsZero() {
		filter = append(filter, map[string]interface{}{
			"range": map[string]interface{}{
				"created_at": map[string]interface{}{"gte": since.UTC().Format(time.RFC3339)},
			},
		})
	}

	terms := map[string]interface{}{
		"field": "hashtags.keyword",
		"size":  limit,
		"order": map[string]string{"_count": "desc"},
	}
	if match != "" {
		terms["include"] = fmt.Sprintf(".*%s.*", strings.ToLower(match))
	}

	body := map[string]interface{}{
		"query": map[string]interface{}{"bool": map[string]interface{}{"filter": filter}},
		"aggs":  map[string]interface{}{"tags": map[string]interface{}{"terms": terms}},
		"size":  0,
	}

	status, respBody, err := s.do(ctx, http.MethodPost, "/posts/_search", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.NewWriteError(errors.CodeIndexUnavailable,
			fmt.Sprintf("aggregation returned status %d", status), nil)
	}

	var resp struct {
		Aggregations struct {
			Tags struct {
				Buckets []struct {
					Key      string `json:"key"`
					DocCount int64  `json:"doc_count"`
				} `json:"buckets"`
			} `json:"tags"`
		} `json:"aggregations"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.NewWriteError(errors.CodeSchemaMismatch, "unreadable aggregation response", err)
	}

	var counts []TagCount
	for _, b := range resp.Aggregations.Tags.Buckets {
		counts = append(counts, TagCount{Name: b.Key, PostCount: b.DocCount})
	}
	return counts, nil
}

// Stats counts live and tombstoned documents per ensured index.
func (s *OpenSearchStore) Stats(ctx context.Context) (map[string]IndexStats, error) {
	s.mu.Lock()
	names := append([]string(nil), s.ensured...)
	s.mu.Unlock()

	stats := make(map[string]IndexStats, len(names))
	for _, name := range names {
		live, err := s.count(ctx, name, false)
		if err != nil {
			return nil, err
		}
		dead, err := s.count(ctx, name, true)
		if err != nil {
			return nil, err
		}
		stats[name] = IndexStats{Documents: live, Tombstones: dead}
	}
	return stats, nil
}

func (s *OpenSearchStore) count(ctx context.Context, index string, deleted bool) (int64, error) {
	body := map[string]interface{}{
		"query": map[string]interface{}{"term": map[string]interface{}{fieldDeleted: deleted}},
	}
	status, respBody, err := s.do(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_count", body)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, errors.NewWriteError(errors.CodeIndexUnavailable,
			fmt.Sprintf("count returned status %d", status), nil)
	}
	var resp struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return 0, errors.NewWriteError(errors.CodeSchemaMismatch, "unreadable count response", err)
	}
	return resp.Count, nil
}

// Close is a no-op; the HTTP client holds no persistent resources.
func (s *OpenSearchStore) Close() error { return nil }

// do issues one request. Transport failures map to the retryable
// INDEX_UNAVAILABLE code.
func (s *OpenSearchStore) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.NewInternalError("failed to encode request body", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return 0, nil, errors.NewInternalError("failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, errors.NewWriteError(errors.CodeIndexUnavailable,
			fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.NewWriteError(errors.CodeIndexUnavailable, "failed to read response", err)
	}
	return resp.StatusCode, respBody, nil
}

// docFromSource rebuilds a Document from a stored _source map.
func docFromSource(index, id string, source map[string]interface{}) *types.Document {
	doc := &types.Document{Index: index, ID: id, Fields: source}
	if d, ok := source[fieldDeleted].(bool); ok {
		doc.Deleted = d
	}
	if vt, ok := source[fieldVersionTime].(float64); ok {
		doc.Version.EventTimeMs = int64(vt)
	}
	if vo, ok := source[fieldVersionOffset].(float64); ok {
		doc.Version.Offset = uint64(vo)
	}
	stripReserved(source)
	return doc
}

func stripReserved(source map[string]interface{}) {
	delete(source, fieldDeleted)
	delete(source, fieldVersionTime)
	delete(source, fieldVersionOffset)
}
