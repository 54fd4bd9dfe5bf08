package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Query families. A list family and its total-count family always move together.
const (
	FamilyApprovalList  = "approvals:list"
	FamilyApprovalCount = "approvals:count"
)

// InvalidateMode selects which cached entries of a family an invalidation touches.
type InvalidateMode string

const (
	// InvalidateActive refetches only the windows that currently have observers.
	InvalidateActive InvalidateMode = "active"
	// InvalidateAll also marks every unobserved entry stale.
	InvalidateAll InvalidateMode = "all"
)

// ApprovalFamilies lists the families that always invalidate together.
func ApprovalFamilies() []string {
	return []string{FamilyApprovalList, FamilyApprovalCount}
}

// QueryWindow is one paginated view of the approval list. It is never persisted.
type QueryWindow struct {
	Statuses       []ApprovalStatus `json:"statuses"`
	IncludeExpired bool             `json:"includeExpired"`
	Limit          int              `json:"limit"`
	Offset         int              `json:"offset"`
}

// Normalize sorts and de-duplicates statuses and clamps pagination.
func (w QueryWindow) Normalize(defaultLimit, maxLimit int) QueryWindow {
	seen := make(map[ApprovalStatus]struct{}, len(w.Statuses))
	statuses := make([]ApprovalStatus, 0, len(w.Statuses))
	for _, s := range w.Statuses {
		s = ApprovalStatus(strings.ToLower(strings.TrimSpace(string(s))))
		if !s.Valid() {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	w.Statuses = statuses

	if defaultLimit <= 0 {
		defaultLimit = 20
	}
	if maxLimit <= 0 {
		maxLimit = 100
	}
	if w.Limit <= 0 {
		w.Limit = defaultLimit
	}
	if w.Limit > maxLimit {
		w.Limit = maxLimit
	}
	if w.Offset < 0 {
		w.Offset = 0
	}
	return w
}

func (w QueryWindow) filterKey() string {
	parts := make([]string, len(w.Statuses))
	for i, s := range w.Statuses {
		parts[i] = string(s)
	}
	exp := "0"
	if w.IncludeExpired {
		exp = "1"
	}
	return "st=" + strings.Join(parts, ",") + "|exp=" + exp
}

// Key addresses the list entry of this window in the read cache.
func (w QueryWindow) Key() string {
	return FamilyApprovalList + "|" + w.filterKey() +
		"|l=" + strconv.Itoa(w.Limit) + "|o=" + strconv.Itoa(w.Offset)
}

// CountKey addresses the total-count entry of this window's filter.
func (w QueryWindow) CountKey() string {
	return FamilyApprovalCount + "|" + w.filterKey()
}

// Matches reports whether a record belongs to the window's filter, ignoring pagination.
func (w QueryWindow) Matches(r ApprovalRecord, now time.Time) bool {
	if !w.IncludeExpired && r.Expired(now) {
		return false
	}
	if len(w.Statuses) == 0 {
		return true
	}
	for _, s := range w.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	TotalCount *int `json:"total_count"`
}
