package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueryWindowNormalizeAndKeys(t *testing.T) {
	a := QueryWindow{Statuses: []ApprovalStatus{"Pending", "approved", "pending", "bogus"}, Limit: 500}.Normalize(20, 100)
	b := QueryWindow{Statuses: []ApprovalStatus{"approved", "pending"}, Limit: 100}.Normalize(20, 100)

	require.Equal(t, []ApprovalStatus{ApprovalStatusApproved, ApprovalStatusPending}, a.Statuses)
	require.Equal(t, 100, a.Limit)
	require.Equal(t, a.Key(), b.Key())
	require.Equal(t, a.CountKey(), b.CountKey())

	paged := b
	paged.Offset = 100
	require.NotEqual(t, b.Key(), paged.Key())
	require.Equal(t, b.CountKey(), paged.CountKey())
}

func TestQueryWindowMatches(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	w := QueryWindow{Statuses: []ApprovalStatus{ApprovalStatusPending}}

	require.True(t, w.Matches(ApprovalRecord{Status: ApprovalStatusPending}, now))
	require.False(t, w.Matches(ApprovalRecord{Status: ApprovalStatusApproved}, now))
	require.False(t, w.Matches(ApprovalRecord{Status: ApprovalStatusPending, ExpiresAt: &past}, now))

	w.IncludeExpired = true
	require.True(t, w.Matches(ApprovalRecord{Status: ApprovalStatusPending, ExpiresAt: &past}, now))
}
