package domain

import (
	"strings"
	"time"
)

type Paste struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	MaxViews  *int       `json:"max_views,omitempty"`
	ViewCount int        `json:"view_count"`
}

// IsAvailable reports whether the paste may still be served at now.
// The expiry instant itself is already unavailable, and the MaxViews-th view is the last one served.
func (p *Paste) IsAvailable(now time.Time) bool {
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return false
	}
	if p.MaxViews != nil && p.ViewCount >= *p.MaxViews {
		return false
	}
	return true
}

// RemainingViews is nil for pastes without a view limit.
func (p *Paste) RemainingViews() *int {
	if p.MaxViews == nil {
		return nil
	}
	left := *p.MaxViews - p.ViewCount
	if left < 0 {
		left = 0
	}
	return &left
}

type CreateParams struct {
	Content    string
	TTLSeconds *int
	MaxViews   *int
}

func (c CreateParams) Validate(maxSize int64) error {
	if strings.TrimSpace(c.Content) == "" {
		return NewValidationError("content", "content is required and must be a non-empty string")
	}
	if maxSize > 0 && int64(len(c.Content)) > maxSize {
		return NewValidationError("content", "content exceeds maximum size")
	}
	if c.TTLSeconds != nil && *c.TTLSeconds < 1 {
		return NewValidationError("ttl_seconds", "ttl_seconds must be an integer >= 1")
	}
	if c.MaxViews != nil && *c.MaxViews < 1 {
		return NewValidationError("max_views", "max_views must be an integer >= 1")
	}
	return nil
}

// NewPaste builds the record persisted by Create. Timestamps are kept at millisecond
// precision so every backend round-trips them unchanged.
func NewPaste(id string, params CreateParams, now time.Time) *Paste {
	created := now.UTC().Truncate(time.Millisecond)
	p := &Paste{
		ID:        id,
		Content:   params.Content,
		CreatedAt: created,
	}
	if params.TTLSeconds != nil {
		exp := created.Add(time.Duration(*params.TTLSeconds) * time.Second)
		p.ExpiresAt = &exp
	}
	if params.MaxViews != nil {
		mv := *params.MaxViews
		p.MaxViews = &mv
	}
	return p
}

type Created struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type View struct {
	Content        string     `json:"content"`
	RemainingViews *int       `json:"remaining_views"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

func NewView(p *Paste) *View {
	return &View{
		Content:        p.Content,
		RemainingViews: p.RemainingViews(),
		ExpiresAt:      p.ExpiresAt,
	}
}
