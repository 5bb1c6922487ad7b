package index

import (
	"context"
	stderrors "errors"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/pkg/types"
)

// Writer applies documents to the store under the conditional-write
// contract. Version conflicts from racing writers resolve through a
// bounded re-read loop: if the stored token has moved at or past ours
// the write is superseded, otherwise the conditional put is retried.
type Writer struct {
	store              Store
	maxConflictRetries int
}

// NewWriter creates a writer over the given store. maxConflictRetries
// bounds the in-loop compare-and-swap retries (default 3); exhaustion
// surfaces the conflict to the retry coordinator's backoff path.
func NewWriter(store Store, maxConflictRetries int) *Writer {
	if maxConflictRetries <= 0 {
		maxConflictRetries = 3
	}
	return &Writer{store: store, maxConflictRetries: maxConflictRetries}
}

// Apply performs the idempotent upsert. The document must carry its
// version token; tombstones go through the same conditional rule, so a
// stale Create can never resurrect a newer Delete.
func (w *Writer) Apply(ctx context.Context, doc *types.Document) (WriteResult, error) {
	if doc.Version.IsZero() {
		return SupersededBySkip, errors.NewInternalError("document has no version token", nil)
	}

	conflict := errors.New(errors.ErrCategoryWrite, errors.CodeVersionConflict, "")
	var lastErr error
	for attempt := 0; attempt <= w.maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return SupersededBySkip, err
		}

		result, err := w.store.PutConditional(ctx, doc)
		if err == nil {
			return result, nil
		}
		if !stderrors.Is(err, conflict) {
			return SupersededBySkip, err
		}
		lastErr = err

		// Re-read to distinguish a stale token from a transient race.
		current, getErr := w.store.Get(ctx, doc.Index, doc.ID)
		if getErr != nil {
			return SupersededBySkip, getErr
		}
		if current != nil && !current.Version.Before(doc.Version) {
			return SupersededBySkip, nil
		}
	}
	return SupersededBySkip, lastErr
}
