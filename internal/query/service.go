// Package query serves read traffic over the synchronized indexes:
// search, autocomplete suggestions and analytics.
package query

import (
	"context"
	"strings"
	"time"

	"github.com/driftline/driftline/internal/index"
)

// Config holds query service limits.
type Config struct {
	// AutocompleteMinChars is the minimum prefix length before
	// suggestions are returned.
	AutocompleteMinChars int `yaml:"autocomplete_min_chars" json:"autocomplete_min_chars"`
	// AutocompleteMaxResults caps suggestion lists.
	AutocompleteMaxResults int `yaml:"autocomplete_max_results" json:"autocomplete_max_results"`
	// TrendingWindow is the recency window for trending hashtags.
	TrendingWindow time.Duration `yaml:"trending_window" json:"trending_window"`
	// TrendingLimit caps the trending list.
	TrendingLimit int `yaml:"trending_limit" json:"trending_limit"`
	// MaxPageSize caps per-page result counts.
	MaxPageSize int `yaml:"max_page_size" json:"max_page_size"`
}

// DefaultConfig returns the standard query limits.
func DefaultConfig() Config {
	return Config{
		AutocompleteMinChars:   2,
		AutocompleteMaxResults: 10,
		TrendingWindow:         24 * time.Hour,
		TrendingLimit:          20,
		MaxPageSize:            100,
	}
}

// Service answers search, autocomplete and analytics queries.
type Service struct {
	store  index.Store
	config Config
}

// NewService creates a query service over the given store.
func NewService(store index.Store, config Config) *Service {
	def := DefaultConfig()
	if config.AutocompleteMinChars <= 0 {
		config.AutocompleteMinChars = def.AutocompleteMinChars
	}
	if config.AutocompleteMaxResults <= 0 {
		config.AutocompleteMaxResults = def.AutocompleteMaxResults
	}
	if config.TrendingWindow <= 0 {
		config.TrendingWindow = def.TrendingWindow
	}
	if config.TrendingLimit <= 0 {
		config.TrendingLimit = def.TrendingLimit
	}
	if config.MaxPageSize <= 0 {
		config.MaxPageSize = def.MaxPageSize
	}
	return &Service{store: store, config: config}
}

// PostSearchParams filters a post search.
type PostSearchParams struct {
	Query      string
	Hashtag    string
	UserID     int64
	PublicOnly bool
	// SortBy is relevance, created_at or like_count.
	SortBy string
	Page   int
	Size   int
}

// SearchPosts runs a full-text search over post content.
func (s *Service) SearchPosts(ctx context.Context, params PostSearchParams) (*index.SearchResult, error) {
	req := &index.SearchRequest{
		Index:      "posts",
		Text:       params.Query,
		TextFields: []string{"content"},
		Filters:    map[string]interface{}{},
	}
	if params.Hashtag != "" {
		req.Filters["hashtags"] = strings.ToLower(strings.TrimPrefix(params.Hashtag, "#"))
	}
	if params.UserID != 0 {
		req.Filters["user_id"] = params.UserID
	}
	if params.PublicOnly {
		req.Filters["is_public"] = true
	}
	switch params.SortBy {
	case "created_at", "like_count":
		req.SortBy = params.SortBy
		req.SortDesc = true
	}
	req.From, req.Size = s.page(params.Page, params.Size)
	return s.store.Search(ctx, req)
}

// UserSearchParams filters a user search.
type UserSearchParams struct {
	Query        string
	VerifiedOnly bool
	Page         int
	Size         int
}

// SearchUsers matches users by username, full name or bio, ranked by
// follower count.
func (s *Service) SearchUsers(ctx context.Context, params UserSearchParams) (*index.SearchResult, error) {
	req := &index.SearchRequest{
		Index:      "users",
		Text:       params.Query,
		TextFields: []string{"username", "full_name", "bio"},
		Filters:    map[string]interface{}{},
		SortBy:     "follower_count",
		SortDesc:   true,
	}
	if params.VerifiedOnly {
		req.Filters["is_verified"] = true
	}
	req.From, req.Size = s.page(params.Page, params.Size)
	return s.store.Search(ctx, req)
}

// SearchHashtags returns hashtags containing the query substring with
// their live post counts.
func (s *Service) SearchHashtags(ctx context.Context, query string, limit int) ([]index.TagCount, error) {
	if limit <= 0 || limit > s.config.MaxPageSize {
		limit = s.config.AutocompleteMaxResults
	}
	match := strings.ToLower(strings.TrimPrefix(query, "#"))
	return s.store.HashtagCounts(ctx, time.Time{}, match, limit)
}

// AutocompleteUsers suggests usernames for a prefix. A prefix shorter
// than the configured minimum yields no suggestions.
func (s *Service) AutocompleteUsers(ctx context.Context, prefix string) (*index.SearchResult, error) {
	if len(prefix) < s.config.AutocompleteMinChars {
		return &index.SearchResult{Hits: []index.Hit{}}, nil
	}
	return s.store.Search(ctx, &index.SearchRequest{
		Index:  "users",
		Prefix: map[string]string{"username": strings.ToLower(prefix)},
		Size:   s.config.AutocompleteMaxResults,
	})
}

// AutocompleteHashtags suggests hashtags for a prefix, most used first.
func (s *Service) AutocompleteHashtags(ctx context.Context, prefix string) ([]index.TagCount, error) {
	if len(prefix) < s.config.AutocompleteMinChars {
		return []index.TagCount{}, nil
	}
	match := strings.ToLower(strings.TrimPrefix(prefix, "#"))

	// The store matches substrings; narrow to true prefixes here.
	counts, err := s.store.HashtagCounts(ctx, time.Time{}, match, s.config.AutocompleteMaxResults*4)
	if err != nil {
		return nil, err
	}
	out := make([]index.TagCount, 0, s.config.AutocompleteMaxResults)
	for _, tc := range counts {
		if strings.HasPrefix(tc.Name, match) {
			out = append(out, tc)
			if len(out) == s.config.AutocompleteMaxResults {
				break
			}
		}
	}
	return out, nil
}

// TrendingHashtags returns the most used hashtags inside the trending
// window.
func (s *Service) TrendingHashtags(ctx context.Context, now time.Time) ([]index.TagCount, error) {
	return s.store.HashtagCounts(ctx, now.Add(-s.config.TrendingWindow), "", s.config.TrendingLimit)
}

// IndexStats reports per-index document and tombstone counts.
func (s *Service) IndexStats(ctx context.Context) (map[string]index.IndexStats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) page(page, size int) (from, capped int) {
	if size <= 0 {
		size = 20
	}
	if size > s.config.MaxPageSize {
		size = s.config.MaxPageSize
	}
	if page < 1 {
		page = 1
	}
	return (page - 1) * size, size
}
