// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the core data model shared by the scheduler,
// the lease manager, the state store, and the HTTP agent.
package structs

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// DefaultOrganization is the organization applied to objects created
	// without an explicit tenancy scope.
	DefaultOrganization = "default"

	// MaxPageSize bounds a single page of list results.
	MaxPageSize = 100

	// DefaultPageSize is used when a list request does not name one.
	DefaultPageSize = 20
)

var (
	// validUUID matches the canonical 8-4-4-4-12 UUID form used for all
	// object identifiers.
	validUUID = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

	// validWindowTime matches HH:MM wall-clock bounds for fire windows.
	validWindowTime = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)
)

// ValidUUID reports whether id is a canonically formatted UUID.
func ValidUUID(id string) bool {
	return validUUID.MatchString(id)
}

// ValidWindowTime reports whether s is an HH:MM wall-clock bound.
func ValidWindowTime(s string) bool {
	return validWindowTime.MatchString(s)
}

// ParseWindowTime converts an HH:MM bound into minutes after midnight.
func ParseWindowTime(s string) (int, error) {
	if !validWindowTime.MatchString(s) {
		return 0, fmt.Errorf("invalid window time %q, expected HH:MM", s)
	}
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("invalid window time %q: %v", s, err)
	}
	return hh*60 + mm, nil
}

// PageRequest selects one page of a list result. The zero value is
// canonicalized to the first page with the default size.
type PageRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func (p *PageRequest) Canonicalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
}

func (p *PageRequest) Validate() error {
	if p.Page < 1 {
		return NewErr(ErrValidation, "page must be >= 1, got %d", p.Page)
	}
	if p.PageSize < 1 || p.PageSize > MaxPageSize {
		return NewErr(ErrValidation, "page_size must be in [1, %d], got %d", MaxPageSize, p.PageSize)
	}
	return nil
}

// Slice applies the page bounds to a total length, returning the
// half-open [from, to) range.
func (p *PageRequest) Slice(total int) (int, int) {
	from := (p.Page - 1) * p.PageSize
	if from > total {
		from = total
	}
	to := from + p.PageSize
	if to > total {
		to = total
	}
	return from, to
}

// PageMeta describes the page a list response covers.
type PageMeta struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

// Event is an inbound occurrence that may activate event, conditional,
// and webhook triggers. The payload doubles as the evaluation context
// for conditional expressions.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Source     string         `json:"source,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at,omitzero"`
}

func (e *Event) Validate() error {
	if e.Type == "" {
		return NewErr(ErrValidation, "event type is required")
	}
	return nil
}

// CopyMapAny does a deep copy of a JSON-shaped map. Values other than
// maps and slices are shared, which is safe for the scalar types JSON
// decoding produces.
func CopyMapAny(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyAnyValue(v)
	}
	return out
}

func copyAnyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return CopyMapAny(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = copyAnyValue(e)
		}
		return out
	default:
		return v
	}
}
