// Package types provides core data types for Driftline.
package types

import (
	"fmt"
	"strconv"
	"time"
)

// EntityType identifies the logical source table a change event belongs to.
type EntityType string

const (
	EntityUser    EntityType = "users"
	EntityPost    EntityType = "posts"
	EntityComment EntityType = "comments"
	EntityLike    EntityType = "likes"
	EntityFollow  EntityType = "follows"
	EntityHashtag EntityType = "hashtags"
)

// KnownEntityTypes lists every entity type the decoder accepts.
// The router's startup validation checks that each has a registered route.
func KnownEntityTypes() []EntityType {
	return []EntityType{
		EntityUser,
		EntityPost,
		EntityComment,
		EntityLike,
		EntityFollow,
		EntityHashtag,
	}
}

// ParseEntityType maps a source table name to an EntityType.
func ParseEntityType(s string) (EntityType, bool) {
	switch EntityType(s) {
	case EntityUser, EntityPost, EntityComment, EntityLike, EntityFollow, EntityHashtag:
		return EntityType(s), true
	default:
		return "", false
	}
}

// Operation is the kind of row mutation captured by the change source.
type Operation string

const (
	OpCreate Operation = "c"
	OpUpdate Operation = "u"
	OpDelete Operation = "d"
)

// ParseOperation maps a source op code to an Operation.
func ParseOperation(s string) (Operation, bool) {
	switch Operation(s) {
	case OpCreate, OpUpdate, OpDelete:
		return Operation(s), true
	default:
		return "", false
	}
}

// EntityRow is a decoded row payload. Each entity type has its own
// concrete struct so downstream components never work on free-form maps.
type EntityRow interface {
	// Entity returns the entity type this row belongs to.
	Entity() EntityType

	// Key returns the row's primary identifier as a string.
	Key() string
}

// ChangeEvent is one captured mutation, fully decoded.
type ChangeEvent struct {
	// PartitionKey identifies the ordered stream this event was read from.
	PartitionKey string

	// SourceOffset is the monotonically increasing position within the
	// partition. Unique per partition, no cross-partition meaning.
	SourceOffset uint64

	EntityType EntityType
	Operation  Operation

	// EntityKey is the stable primary identifier of the affected row.
	EntityKey string

	// Before is nil for Create; After is nil for Delete.
	Before EntityRow
	After  EntityRow

	// EventTime is the source commit timestamp, not arrival time.
	EventTime time.Time
}

// Token derives the version token used for conflict resolution.
func (e *ChangeEvent) Token() VersionToken {
	return VersionToken{
		EventTimeMs: e.EventTime.UnixMilli(),
		Offset:      e.SourceOffset,
	}
}

// Row returns the payload a transformer should project: After for
// Create/Update, Before for Delete.
func (e *ChangeEvent) Row() EntityRow {
	if e.Operation == OpDelete {
		return e.Before
	}
	return e.After
}

func (e *ChangeEvent) String() string {
	return fmt.Sprintf("%s/%s key=%s offset=%d", e.EntityType, e.Operation, e.EntityKey, e.SourceOffset)
}

// UserRow is a decoded row from the users table.
type UserRow struct {
	ID              int64  `json:"id"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	FullName        string `json:"full_name"`
	Bio             string `json:"bio"`
	ProfileImageURL string `json:"profile_image_url"`
	IsVerified      bool   `json:"is_verified"`
	FollowerCount   int64  `json:"follower_count"`
	FollowingCount  int64  `json:"following_count"`
	PostCount       int64  `json:"post_count"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

func (r UserRow) Key() string { return strconv.FormatInt(r.ID, 10) }

func (UserRow) Entity() EntityType { return EntityUser }

// PostRow is a decoded row from the posts table. Hashtags, Mentions and
// ImageURLs arrive as JSON-encoded string columns; the transformer
// tokenizes them.
type PostRow struct {
	ID           int64  `json:"id"`
	UserID       int64  `json:"user_id"`
	Content      string `json:"content"`
	Hashtags     string `json:"hashtags"`
	Mentions     string `json:"mentions"`
	ImageURLs    string `json:"image_urls"`
	LikeCount    int64  `json:"like_count"`
	CommentCount int64  `json:"comment_count"`
	ShareCount   int64  `json:"share_count"`
	IsPublic     bool   `json:"is_public"`
	Location     string `json:"location"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

func (r PostRow) Key() string { return strconv.FormatInt(r.ID, 10) }

func (PostRow) Entity() EntityType { return EntityPost }

// CommentRow is a decoded row from the comments table.
type CommentRow struct {
	ID              int64  `json:"id"`
	PostID          int64  `json:"post_id"`
	UserID          int64  `json:"user_id"`
	ParentCommentID *int64 `json:"parent_comment_id"`
	Content         string `json:"content"`
	LikeCount       int64  `json:"like_count"`
	ReplyCount      int64  `json:"reply_count"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

func (r CommentRow) Key() string { return strconv.FormatInt(r.ID, 10) }

func (CommentRow) Entity() EntityType { return EntityComment }

// LikeRow is a decoded row from the likes table. Exactly one of PostID
// and CommentID is set.
type LikeRow struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	PostID    *int64 `json:"post_id"`
	CommentID *int64 `json:"comment_id"`
	CreatedAt int64  `json:"created_at"`
}

func (r LikeRow) Key() string { return strconv.FormatInt(r.ID, 10) }

func (LikeRow) Entity() EntityType { return EntityLike }

// FollowRow is a decoded row from the follows table.
type FollowRow struct {
	ID          int64 `json:"id"`
	FollowerID  int64 `json:"follower_id"`
	FollowingID int64 `json:"following_id"`
	CreatedAt   int64 `json:"created_at"`
}

func (r FollowRow) Key() string { return strconv.FormatInt(r.ID, 10) }

func (FollowRow) Entity() EntityType { return EntityFollow }

// HashtagRow is a decoded row from the hashtags table.
type HashtagRow struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	PostCount int64  `json:"post_count"`
	CreatedAt int64  `json:"created_at"`
}

func (r HashtagRow) Key() string { return strconv.FormatInt(r.ID, 10) }

func (HashtagRow) Entity() EntityType { return EntityHashtag }
