package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/pkg/types"
)

// Transformer converts a change event into index document drafts. The
// pipeline stamps version tokens afterwards; a transformer only decides
// document identity, fields, and tombstoning.
//
// Transformers must be deterministic given their lookups: the same event
// always yields the same drafts, so retries are safe.
type Transformer interface {
	Transform(ctx context.Context, ev *types.ChangeEvent) ([]*types.Document, error)
}

// userTransformer projects user rows into the users index.
type userTransformer struct{}

// NewUserTransformer creates the users transformer.
func NewUserTransformer() Transformer { return userTransformer{} }

func (userTransformer) Transform(ctx context.Context, ev *types.ChangeEvent) ([]*types.Document, error) {
	if ev.Operation == types.OpDelete {
		return []*types.Document{types.Tombstone("users", ev.EntityKey)}, nil
	}
	row, ok := ev.After.(types.UserRow)
	if !ok {
		return nil, invalidPayload(ev, "after image is not a user row")
	}
	return []*types.Document{userDocument(row)}, nil
}

// postTransformer projects post rows into the posts index, embedding a
// denormalized author snapshot.
type postTransformer struct {
	lookup LookupClient
}

// NewPostTransformer creates the posts transformer.
func NewPostTransformer(lookup LookupClient) Transformer {
	return &postTransformer{lookup: lookup}
}

func (t *postTransformer) Transform(ctx context.Context, ev *types.ChangeEvent) ([]*types.Document, error) {
	if ev.Operation == types.OpDelete {
		return []*types.Document{types.Tombstone("posts", ev.EntityKey)}, nil
	}
	row, ok := ev.After.(types.PostRow)
	if !ok {
		return nil, invalidPayload(ev, "after image is not a post row")
	}
	doc, err := postDocument(ctx, t.lookup, row)
	if err != nil {
		return nil, err
	}
	return []*types.Document{doc}, nil
}

// commentTransformer projects comment rows into the comments index.
type commentTransformer struct {
	lookup LookupClient
}

// NewCommentTransformer creates the comments transformer.
func NewCommentTransformer(lookup LookupClient) Transformer {
	return &commentTransformer{lookup: lookup}
}

func (t *commentTransformer) Transform(ctx context.Context, ev *types.ChangeEvent) ([]*types.Document, error) {
	if ev.Operation == types.OpDelete {
		return []*types.Document{types.Tombstone("comments", ev.EntityKey)}, nil
	}
	row, ok := ev.After.(types.CommentRow)
	if !ok {
		return nil, invalidPayload(ev, "after image is not a comment row")
	}
	doc, err := commentDocument(ctx, t.lookup, row)
	if err != nil {
		return nil, err
	}
	return []*types.Document{doc}, nil
}

// likeTransformer refreshes the document the like refers to. Counters
// are recomputed from the source of truth rather than incremented in
// place, so replays and reordering cannot skew them.
type likeTransformer struct {
	lookup LookupClient
}

// NewLikeTransformer creates the likes transformer.
func NewLikeTransformer(lookup LookupClient) Transformer {
	return &likeTransformer{lookup: lookup}
}

func (t *likeTransformer) Transform(ctx context.Context, ev *types.ChangeEvent) ([]*types.Document, error) {
	row, ok := ev.Row().(types.LikeRow)
	if !ok {
		return nil, invalidPayload(ev, "payload is not a like row")
	}

	switch {
	case row.PostID != nil:
		post, found, err := t.lookup.PostRow(ctx, *row.PostID)
		if err != nil {
			return nil, err
		}
		if !found {
			// Referenced post is already gone; its own delete event
			// tombstones the document.
			return nil, nil
		}
		doc, err := postDocument(ctx, t.lookup, *post)
		if err != nil {
			return nil, err
		}
		return []*types.Document{doc}, nil

	case row.CommentID != nil:
		comment, found, err := t.lookup.CommentRow(ctx, *row.CommentID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		doc, err := commentDocument(ctx, t.lookup, *comment)
		if err != nil {
			return nil, err
		}
		return []*types.Document{doc}, nil

	default:
		return nil, invalidPayload(ev, "like references neither post nor comment")
	}
}

// followTransformer refreshes both sides of a follow edge: the
// follower's following_count and the followee's follower_count.
type followTransformer struct {
	lookup LookupClient
}

// NewFollowTransformer creates the follows transformer.
func NewFollowTransformer(lookup LookupClient) Transformer {
	return &followTransformer{lookup: lookup}
}

func (t *followTransformer) Transform(ctx context.Context, ev *types.ChangeEvent) ([]*types.Document, error) {
	row, ok := ev.Row().(types.FollowRow)
	if !ok {
		return nil, invalidPayload(ev, "payload is not a follow row")
	}

	var docs []*types.Document
	for _, userID := range []int64{row.FollowerID, row.FollowingID} {
		user, found, err := t.lookup.UserRow(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		docs = append(docs, userDocument(*user))
	}
	return docs, nil
}

// hashtagTransformer projects hashtag rows into the suggestion index.
type hashtagTransformer struct{}

// NewHashtagTransformer creates the hashtags transformer.
func NewHashtagTransformer() Transformer { return hashtagTransformer{} }

func (hashtagTransformer) Transform(ctx context.Context, ev *types.ChangeEvent) ([]*types.Document, error) {
	if ev.Operation == types.OpDelete {
		return []*types.Document{types.Tombstone("hashtags", ev.EntityKey)}, nil
	}
	row, ok := ev.After.(types.HashtagRow)
	if !ok {
		return nil, invalidPayload(ev, "after image is not a hashtag row")
	}
	return []*types.Document{{
		Index: "hashtags",
		ID:    ev.EntityKey,
		Fields: map[string]interface{}{
			"id":         row.ID,
			"name":       row.Name,
			"post_count": row.PostCount,
			"created_at": msToISO(row.CreatedAt),
		},
	}}, nil
}

func userDocument(row types.UserRow) *types.Document {
	return &types.Document{
		Index: "users",
		ID:    row.Key(),
		Fields: map[string]interface{}{
			"id":                row.ID,
			"username":          row.Username,
			"email":             row.Email,
			"full_name":         row.FullName,
			"bio":               row.Bio,
			"profile_image_url": row.ProfileImageURL,
			"is_verified":       row.IsVerified,
			"follower_count":    row.FollowerCount,
			"following_count":   row.FollowingCount,
			"post_count":        row.PostCount,
			"created_at":        msToISO(row.CreatedAt),
			"updated_at":        msToISO(row.UpdatedAt),
		},
	}
}

func postDocument(ctx context.Context, lookup LookupClient, row types.PostRow) (*types.Document, error) {
	hashtags, err := parseJSONList(row.Hashtags)
	if err != nil {
		return nil, errors.NewTransformError(errors.CodeInvalidPayload,
			fmt.Sprintf("post %d has malformed hashtags column", row.ID), err)
	}
	mentions, err := parseJSONList(row.Mentions)
	if err != nil {
		return nil, errors.NewTransformError(errors.CodeInvalidPayload,
			fmt.Sprintf("post %d has malformed mentions column", row.ID), err)
	}
	imageURLs, err := parseJSONList(row.ImageURLs)
	if err != nil {
		return nil, errors.NewTransformError(errors.CodeInvalidPayload,
			fmt.Sprintf("post %d has malformed image_urls column", row.ID), err)
	}

	fields := map[string]interface{}{
		"id":            row.ID,
		"user_id":       row.UserID,
		"content":       row.Content,
		"hashtags":      hashtags,
		"mentions":      mentions,
		"image_urls":    imageURLs,
		"like_count":    row.LikeCount,
		"comment_count": row.CommentCount,
		"share_count":   row.ShareCount,
		"is_public":     row.IsPublic,
		"location":      row.Location,
		"created_at":    msToISO(row.CreatedAt),
		"updated_at":    msToISO(row.UpdatedAt),
	}

	if snap, found, err := lookup.UserSnapshot(ctx, row.UserID); err != nil {
		return nil, err
	} else if found {
		fields["user"] = snap
	}

	return &types.Document{Index: "posts", ID: row.Key(), Fields: fields}, nil
}

func commentDocument(ctx context.Context, lookup LookupClient, row types.CommentRow) (*types.Document, error) {
	fields := map[string]interface{}{
		"id":                row.ID,
		"post_id":           row.PostID,
		"user_id":           row.UserID,
		"parent_comment_id": row.ParentCommentID,
		"content":           row.Content,
		"like_count":        row.LikeCount,
		"reply_count":       row.ReplyCount,
		"created_at":        msToISO(row.CreatedAt),
		"updated_at":        msToISO(row.UpdatedAt),
	}

	if snap, found, err := lookup.UserSnapshot(ctx, row.UserID); err != nil {
		return nil, err
	} else if found {
		fields["user"] = snap
	}

	return &types.Document{Index: "comments", ID: row.Key(), Fields: fields}, nil
}

// parseJSONList decodes a JSON-encoded string column into a string
// slice. Empty columns decode to nil.
func parseJSONList(col string) ([]string, error) {
	if col == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(col), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// msToISO renders an epoch-millisecond column as an ISO timestamp, the
// shape the search index maps as a date field. Zero stays nil.
func msToISO(ms int64) interface{} {
	if ms == 0 {
		return nil
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func invalidPayload(ev *types.ChangeEvent, msg string) error {
	return errors.NewTransformError(errors.CodeInvalidPayload,
		fmt.Sprintf("%s: %s", ev, msg), nil)
}
