package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100000
)

// Pagination is the limit/offset pair parsed from list query strings.
type Pagination struct {
	Limit  int
	Offset int
}

// Sorting is the sort_by/sort_order pair parsed from list query strings.
type Sorting struct {
	SortBy    string
	SortOrder string // asc or desc, lowercased
}

type bodyTooLargeError struct {
	Limit int64
}

func (e *bodyTooLargeError) Error() string {
	return fmt.Sprintf("request body too large (max %d bytes)", e.Limit)
}

// nonNegativeQueryInt parses an optional non-negative integer query
// parameter. Absence yields (-1, nil).
func nonNegativeQueryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: must be a non-negative integer", name)
	}
	return n, nil
}

// ParsePagination pulls limit and offset off the query string, applying
// the default page size when limit is absent or zero.
func ParsePagination(r *http.Request) (Pagination, error) {
	p := Pagination{Limit: defaultPageLimit}

	limit, err := nonNegativeQueryInt(r, "limit")
	if err != nil {
		return p, err
	}
	if limit > maxPageLimit {
		return p, fmt.Errorf("limit: must be <= %d", maxPageLimit)
	}
	if limit > 0 {
		p.Limit = limit
	}

	offset, err := nonNegativeQueryInt(r, "offset")
	if err != nil {
		return p, err
	}
	if offset > 0 {
		p.Offset = offset
	}
	return p, nil
}

// ParseSorting reads sort_by and sort_order from query parameters,
// restricting sort_by to the allowed field names.
func ParseSorting(r *http.Request, allowed []string, defaultField, defaultOrder string) (Sorting, error) {
	s := Sorting{SortBy: defaultField, SortOrder: defaultOrder}

	if v := r.URL.Query().Get("sort_by"); v != "" {
		if !slices.Contains(allowed, v) {
			return s, fmt.Errorf("sort_by: must be one of %v", allowed)
		}
		s.SortBy = v
	}
	if v := strings.ToLower(r.URL.Query().Get("sort_order")); v != "" {
		if v != "asc" && v != "desc" {
			return s, fmt.Errorf("sort_order: must be 'asc' or 'desc'")
		}
		s.SortOrder = v
	}
	return s, nil
}

// DecodeBody decodes the JSON request body into v. Unknown fields and
// trailing values are rejected, so a typo'd field name fails loudly
// instead of silently no-opping.
func DecodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return classifyBodyError(err)
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
		return nil
	case nil:
		return fmt.Errorf("invalid request body: must contain a single JSON value")
	default:
		return classifyBodyError(err)
	}
}

// classifyBodyError surfaces the body-limit middleware's cutoff as its
// own error type so handlers can answer 413 instead of 400.
func classifyBodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return &bodyTooLargeError{Limit: maxErr.Limit}
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("invalid request body: unexpected end of JSON input")
	}
	return fmt.Errorf("invalid request body: %v", err)
}

// PathParam extracts a named path parameter matched by a Go 1.22 ServeMux
// pattern (e.g. /nodes/{id}).
func PathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// PaginateSlice applies limit/offset to a slice. An offset past the end
// yields an empty, non-nil page.
func PaginateSlice[T any](items []T, p Pagination) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := min(p.Offset+p.Limit, len(items))
	return items[p.Offset:end]
}
