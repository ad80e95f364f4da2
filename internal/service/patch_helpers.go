package service

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
)

type mergePatch map[string]any

type unknownFieldMessage func(field string) string

// parseMergePatch reads the admin PATCH body. This is narrower than RFC 7396
// merge patch on purpose: the body must be a non-empty JSON object, and null
// members (which 7396 uses for deletion) are rejected in validateFields.
func parseMergePatch(patchJSON json.RawMessage) (mergePatch, *ServiceError) {
	var patch map[string]any
	if err := json.Unmarshal(patchJSON, &patch); err != nil {
		return nil, invalidArg("invalid JSON: " + err.Error())
	}
	if len(patch) == 0 {
		return nil, invalidArg("empty patch")
	}
	return mergePatch(patch), nil
}

func (p mergePatch) validateFields(allowed map[string]bool, unknownMsg unknownFieldMessage) *ServiceError {
	for key, val := range p {
		if !allowed[key] {
			return invalidArg(unknownMsg(key))
		}
		if val == nil {
			return invalidArg(fmt.Sprintf("field %q cannot be null", key))
		}
	}
	return nil
}

// fieldAs pulls field out of the patch as type T. The middle return
// distinguishes an absent field from a present but mistyped one.
func fieldAs[T any](p mergePatch, field, want string) (T, bool, *ServiceError) {
	var zero T
	raw, ok := p[field]
	if !ok {
		return zero, false, nil
	}
	value, ok := raw.(T)
	if !ok {
		return zero, true, invalidArg(fmt.Sprintf("%s: must be %s", field, want))
	}
	return value, true, nil
}

func (p mergePatch) optionalString(field string) (string, bool, *ServiceError) {
	return fieldAs[string](p, field, "a string")
}

func (p mergePatch) optionalNonEmptyString(field string) (string, bool, *ServiceError) {
	value, set, err := fieldAs[string](p, field, "a non-empty string")
	if err != nil || !set {
		return "", set, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", true, invalidArg(fmt.Sprintf("%s: must be a non-empty string", field))
	}
	return value, true, nil
}

func (p mergePatch) optionalInt(field string) (int, bool, *ServiceError) {
	// encoding/json decodes all numbers into float64.
	value, set, err := fieldAs[float64](p, field, "an integer")
	if err != nil || !set {
		return 0, set, err
	}
	if value != math.Trunc(value) {
		return 0, true, invalidArg(fmt.Sprintf("%s: must be an integer", field))
	}
	return int(value), true, nil
}

func (p mergePatch) optionalStringSlice(field string) ([]string, bool, *ServiceError) {
	arr, set, err := fieldAs[[]any](p, field, "an array")
	if err != nil || !set {
		return nil, set, err
	}
	value := make([]string, len(arr))
	for i, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, true, invalidArg(fmt.Sprintf("%s[%d]: must be a string", field, i))
		}
		value[i] = s
	}
	return value, true, nil
}

func parseHTTPAbsoluteURL(field, value string) (*url.URL, *ServiceError) {
	u, err := url.ParseRequestURI(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, invalidArg(fmt.Sprintf("%s: must be an http/https absolute URL", field))
	}
	return u, nil
}
