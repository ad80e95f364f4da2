package api

import (
	"errors"
	"io"
	"net/http"
)

// Query-parameter parsing wrappers. Each writes the 400 itself and
// reports ok=false so handlers can return immediately.

func parsePaginationOrWriteInvalid(w http.ResponseWriter, r *http.Request) (Pagination, bool) {
	pg, err := ParsePagination(r)
	if err != nil {
		writeInvalidArgument(w, err.Error())
		return Pagination{}, false
	}
	return pg, true
}

func parseSortingOrWriteInvalid(
	w http.ResponseWriter,
	r *http.Request,
	allowed []string,
	defaultField string,
	defaultOrder string,
) (Sorting, bool) {
	s, err := ParseSorting(r, allowed, defaultField, defaultOrder)
	if err != nil {
		writeInvalidArgument(w, err.Error())
		return Sorting{}, false
	}
	return s, true
}

// readRawBodyOrWriteInvalid slurps the body for handlers that relay the
// payload untouched instead of decoding into a struct.
func readRawBodyOrWriteInvalid(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		writeInvalidArgument(w, "request body is required")
		return nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writePayloadTooLarge(w, maxErr.Limit)
	} else {
		writeInvalidArgument(w, "failed to read body")
	}
	return nil, false
}

// applySortOrder flips a comparison result for descending sorts.
func applySortOrder(order int, sortOrder string) int {
	if sortOrder == "desc" {
		return -order
	}
	return order
}
