package store

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type CursorPage struct {
	Items      interface{} `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
	HasMore    bool        `json:"has_more"`
}

type OffsetPage struct {
	Items      interface{} `json:"items"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// PageParams are caller-supplied paging and sorting values, normalized
// before use. Size is clamped to MaxPageSize to prevent resource abuse.
type PageParams struct {
	Page     int
	Size     int
	SortBy   string
	SortDesc bool
}

// Normalize clamps page/size and restricts SortBy to the given whitelist,
// falling back to fallbackSort for unknown columns. Sorting by anything
// outside the whitelist would allow SQL injection via ORDER BY.
func (p PageParams) Normalize(allowedSorts []string, fallbackSort string) PageParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}

	allowed := false
	for _, col := range allowedSorts {
		if p.SortBy == col {
			allowed = true
			break
		}
	}
	if !allowed {
		p.SortBy = fallbackSort
	}

	return p
}

func (p PageParams) offset() int {
	return (p.Page - 1) * p.Size
}

func (p PageParams) direction() string {
	if p.SortDesc {
		return "DESC"
	}
	return "ASC"
}

func totalPages(total int64, pageSize int) int {
	pages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		pages++
	}
	return pages
}

type OrderCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        int64     `json:"id"`
}

func EncodeCursor(cursor OrderCursor) string {
	data, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

func DecodeCursor(encoded string) (OrderCursor, error) {
	var cursor OrderCursor
	if encoded == "" {
		return OrderCursor{
			CreatedAt: time.Now(),
			ID:        int64(1<<63 - 1),
		}, nil
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return cursor, err
	}

	err = json.Unmarshal(data, &cursor)
	return cursor, err
}
