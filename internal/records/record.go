package records

import (
	"fmt"
	"strings"
	"time"

	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/softdelete"
)

// ResourceType is the authorization type of records.
const ResourceType = "record"

const (
	defaultKind  = "generic"
	defaultLimit = 20
	maxLimit     = 100
	maxPage      = 1 << 20
)

// Record is a tenant-owned domain record.
type Record struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenant_id"`
	OwnerID    string           `json:"owner_id"`
	Kind       string           `json:"kind"`
	Code       string           `json:"code"`
	Name       string           `json:"name"`
	Attributes map[string]any   `json:"attributes"`
	State      softdelete.State `json:"deleted_at"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (r *Record) normalize() error {
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.Kind = strings.TrimSpace(strings.ToLower(r.Kind))
	r.Code = strings.TrimSpace(r.Code)
	r.Name = strings.TrimSpace(r.Name)
	if r.Kind == "" {
		r.Kind = defaultKind
	}
	switch {
	case r.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", errs.ErrValidation)
	case r.Code == "":
		return fmt.Errorf("%w: code is required", errs.ErrValidation)
	case r.Name == "":
		return fmt.Errorf("%w: name is required", errs.ErrValidation)
	}
	return nil
}

// Patch lists the fields an update may change. Nil fields are left as is.
type Patch struct {
	Kind       *string        `json:"kind"`
	Code       *string        `json:"code"`
	Name       *string        `json:"name"`
	Attributes map[string]any `json:"attributes"`
}

func (p Patch) columns() (map[string]any, error) {
	cols := make(map[string]any, 4)
	if p.Kind != nil {
		kind := strings.TrimSpace(strings.ToLower(*p.Kind))
		if kind == "" {
			return nil, fmt.Errorf("%w: kind must not be empty", errs.ErrValidation)
		}
		cols["kind"] = kind
	}
	if p.Code != nil {
		code := strings.TrimSpace(*p.Code)
		if code == "" {
			return nil, fmt.Errorf("%w: code must not be empty", errs.ErrValidation)
		}
		cols["code"] = code
	}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", errs.ErrValidation)
		}
		cols["name"] = name
	}
	if p.Attributes != nil {
		cols["attributes"] = jsonAttributes(p.Attributes)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: nothing to update", errs.ErrValidation)
	}
	return cols, nil
}

// Query selects a page of a tenant's records.
type Query struct {
	TenantID       string
	Kind           string
	Page           int
	Limit          int
	OrderBy        string
	Desc           bool
	IncludeDeleted bool
}

var orderColumns = map[string]struct{}{"created_at": {}, "name": {}, "code": {}}

// Validate applies defaults and rejects out of range values.
func (q *Query) Validate() error {
	q.TenantID = strings.TrimSpace(q.TenantID)
	if q.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", errs.ErrValidation)
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}
	if q.Page < 1 || q.Page > maxPage {
		return fmt.Errorf("%w: page must be between 1 and %d", errs.ErrValidation, maxPage)
	}
	if q.Limit < 1 || q.Limit > maxLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", errs.ErrValidation, maxLimit)
	}
	q.OrderBy = strings.TrimSpace(strings.ToLower(q.OrderBy))
	if q.OrderBy == "" {
		q.OrderBy = "created_at"
	}
	if _, ok := orderColumns[q.OrderBy]; !ok {
		return fmt.Errorf("%w: unsupported order %q", errs.ErrValidation, q.OrderBy)
	}
	q.Kind = strings.TrimSpace(strings.ToLower(q.Kind))
	return nil
}

// Pagination describes the position of a Page.
type Pagination struct {
	Current int   `json:"current"`
	Limit   int   `json:"limit"`
	Records int64 `json:"records"`
	Pages   int64 `json:"pages"`
}

// Page is the paginated envelope returned by Find.
type Page struct {
	Pagination Pagination `json:"pagination"`
	Data       []Record   `json:"data"`
}

func newPagination(page, limit int, total int64) Pagination {
	pages := total / int64(limit)
	if total%int64(limit) != 0 {
		pages++
	}
	return Pagination{Current: page, Limit: limit, Records: total, Pages: pages}
}
