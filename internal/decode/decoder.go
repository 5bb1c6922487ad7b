// Package decode parses raw change envelopes into typed ChangeEvents.
// Decoding is a pure function of the input bytes: no lookups, no side
// effects, so a redelivered envelope always decodes identically.
package decode

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/pkg/types"
)

// envelope mirrors the Debezium-style wire format. Connectors configured
// with an unwrap transform omit the outer payload wrapper, so both shapes
// are accepted.
type envelope struct {
	Payload *payload `json:"payload"`

	// Flattened form (unwrap transform applied upstream).
	Op     string          `json:"op"`
	TsMs   *int64          `json:"ts_ms"`
	Source *source         `json:"source"`
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

type payload struct {
	Op     string          `json:"op"`
	TsMs   *int64          `json:"ts_ms"`
	Source *source         `json:"source"`
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

type source struct {
	Table  string  `json:"table"`
	Offset *uint64 `json:"offset"`
	TsMs   *int64  `json:"ts_ms"`
}

// Decode parses one raw envelope into a ChangeEvent.
//
// Returns a DECODE:MALFORMED_ENVELOPE error when required fields are
// missing or of the wrong shape, and DECODE:UNKNOWN_ENTITY_TYPE when the
// source table is not a known entity. Neither is retryable.
func Decode(data []byte) (*types.ChangeEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.NewDecodeError(errors.CodeMalformedEnvelope,
			fmt.Sprintf("envelope is not valid JSON: %v", err))
	}

	p := env.Payload
	if p == nil {
		p = &payload{Op: env.Op, TsMs: env.TsMs, Source: env.Source, Before: env.Before, After: env.After}
	}

	if p.Source == nil || p.Source.Table == "" {
		return nil, errors.NewDecodeError(errors.CodeMalformedEnvelope, "missing source.table")
	}
	if p.Source.Offset == nil {
		return nil, errors.NewDecodeError(errors.CodeMalformedEnvelope, "missing source.offset")
	}

	op, ok := types.ParseOperation(p.Op)
	if !ok {
		return nil, errors.NewDecodeError(errors.CodeMalformedEnvelope,
			fmt.Sprintf("unknown operation %q", p.Op))
	}

	tsMs := p.TsMs
	if tsMs == nil {
		tsMs = p.Source.TsMs
	}
	if tsMs == nil {
		return nil, errors.NewDecodeError(errors.CodeMalformedEnvelope, "missing ts_ms")
	}

	entity, ok := types.ParseEntityType(p.Source.Table)
	if !ok {
		return nil, errors.NewDecodeError(errors.CodeUnknownEntityType,
			fmt.Sprintf("no entity registered for table %q", p.Source.Table))
	}

	before, err := decodeRow(entity, p.Before)
	if err != nil {
		return nil, err
	}
	after, err := decodeRow(entity, p.After)
	if err != nil {
		return nil, err
	}

	// Delete must carry before, Create/Update must carry after.
	switch op {
	case types.OpDelete:
		if before == nil {
			return nil, errors.NewDecodeError(errors.CodeMalformedEnvelope, "delete without before image")
		}
	default:
		if after == nil {
			return nil, errors.NewDecodeError(errors.CodeMalformedEnvelope,
				fmt.Sprintf("%s without after image", op))
		}
	}

	ev := &types.ChangeEvent{
		PartitionKey: p.Source.Table,
		SourceOffset: *p.Source.Offset,
		EntityType:   entity,
		Operation:    op,
		Before:       before,
		After:        after,
		EventTime:    time.UnixMilli(*tsMs),
	}

	if ev.Row() == nil || ev.Row().Key() == "0" {
		return nil, errors.NewDecodeError(errors.CodeMalformedEnvelope, "missing entity key")
	}
	ev.EntityKey = ev.Row().Key()

	return ev, nil
}

// decodeRow unmarshals a row image into the typed struct for the entity.
// A nil or JSON null image decodes to nil.
func decodeRow(entity types.EntityType, raw json.RawMessage) (types.EntityRow, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var row types.EntityRow
	var err error
	switch entity {
	case types.EntityUser:
		var r types.UserRow
		err = json.Unmarshal(raw, &r)
		row = r
	case types.EntityPost:
		var r types.PostRow
		err = json.Unmarshal(raw, &r)
		row = r
	case types.EntityComment:
		var r types.CommentRow
		err = json.Unmarshal(raw, &r)
		row = r
	case types.EntityLike:
		var r types.LikeRow
		err = json.Unmarshal(raw, &r)
		row = r
	case types.EntityFollow:
		var r types.FollowRow
		err = json.Unmarshal(raw, &r)
		row = r
	case types.EntityHashtag:
		var r types.HashtagRow
		err = json.Unmarshal(raw, &r)
		row = r
	}
	if err != nil {
		return nil, errors.NewDecodeError(errors.CodeMalformedEnvelope,
			fmt.Sprintf("row image does not match %s shape: %v", entity, err))
	}
	return row, nil
}
