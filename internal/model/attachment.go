// Package model contains the struct definitions shared across packages.
package model

import (
	"time"

	"github.com/dharsanguruparan/attachvault/internal/config"
)

// Status describes whether an attachment may still be served. A type declared
// via "type X string" gives better type safety than plain strings.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Attachment holds metadata about a stored file.
type Attachment struct {
	ID           string          `json:"id"`
	Category     config.Category `json:"category"`
	OriginalName string          `json:"originalName"`
	MimeType     string          `json:"mimeType"`
	Extension    string          `json:"extension"`
	Size         int64           `json:"size"`
	// DiskFilename and RelativeDir never leave the server.
	DiskFilename string     `json:"-"`
	RelativeDir  string     `json:"-"`
	Hash         string     `json:"hash"`
	Status       Status     `json:"status"`
	Description  string     `json:"description,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// Active reports whether the record may be served.
func (a *Attachment) Active() bool {
	return a != nil && a.Status == StatusActive
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (a *Attachment) Clone() *Attachment {
	if a == nil {
		return nil
	}
	c := *a
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// ListQuery filters and paginates attachment listings.
type ListQuery struct {
	Category config.Category
	Page     int
	Limit    int
}

// Page is one page of a listing.
type Page struct {
	Items   []*Attachment `json:"items"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	Limit   int           `json:"limit"`
	Pages   int           `json:"pages"`
	HasNext bool          `json:"hasNext"`
	HasPrev bool          `json:"hasPrev"`
}

// NewPage fills in the derived pagination fields.
func NewPage(items []*Attachment, total, page, limit int) *Page {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	if items == nil {
		items = []*Attachment{}
	}
	return &Page{
		Items:   items,
		Total:   total,
		Page:    page,
		Limit:   limit,
		Pages:   pages,
		HasNext: page < pages,
		HasPrev: page > 1,
	}
}

// CategoryStats summarizes active attachments of one category.
type CategoryStats struct {
	Category config.Category `json:"category"`
	Count    int             `json:"count"`
	Bytes    int64           `json:"bytes"`
}
