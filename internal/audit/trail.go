package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultListLimit = 100

// Trail is the append-only audit log. It exposes no update or delete.
type Trail struct {
	db *gorm.DB
}

func NewTrail(db *gorm.DB) *Trail {
	return &Trail{db: db}
}

// WithTx returns a trail that writes inside tx.
func (t *Trail) WithTx(tx *gorm.DB) *Trail {
	return &Trail{db: tx}
}

// Append serialises the snapshot and inserts the entry.
func (t *Trail) Append(ctx context.Context, rec Record) (*Entry, error) {
	snapshot := "{}"
	if rec.Snapshot != nil {
		raw, err := json.Marshal(rec.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to encode audit snapshot: %w", err)
		}
		snapshot = string(raw)
	}

	entry := &Entry{
		EntryID:    "AUD_" + uuid.New().String(),
		ActorID:    rec.ActorID,
		TargetType: rec.TargetType,
		TargetID:   rec.TargetID,
		Action:     rec.Action,
		Result:     rec.Result,
		Snapshot:   snapshot,
		CreatedAt:  time.Now(),
	}
	if err := t.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	return entry, nil
}

// List returns entries matching f, oldest first.
func (t *Trail) List(ctx context.Context, f Filter) ([]Entry, error) {
	q := t.db.WithContext(ctx).Model(&Entry{})
	if f.TargetType != "" {
		q = q.Where("target_type = ?", f.TargetType)
	}
	if f.TargetID != "" {
		q = q.Where("target_id = ?", f.TargetID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var entries []Entry
	if err := q.Order("id ASC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// GinHandlers contains HTTP handlers for audit queries
type GinHandlers struct {
	trail *Trail
}

func NewGinHandlers(trail *Trail) *GinHandlers {
	return &GinHandlers{trail: trail}
}

// ListHandler serves GET /admin/audit?target_type=&target_id=&action=&actor_id=&limit=
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f := Filter{
			TargetType: c.Query("target_type"),
			TargetID:   c.Query("target_id"),
			Action:     c.Query("action"),
			ActorID:    c.Query("actor_id"),
		}
		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				response.BadRequest(c, "limit must be a non-negative integer")
				return
			}
			f.Limit = limit
		}
		if raw := c.Query("since"); raw != "" {
			since, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, "since must be RFC3339")
				return
			}
			f.Since = since
		}

		entries, err := h.trail.List(c.Request.Context(), f)
		response.Handle(c, entries, err)
	}
}
