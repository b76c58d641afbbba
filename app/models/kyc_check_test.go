package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKYCCheck_CanTransitionTo_Table(t *testing.T) {
	allowed := map[KYCStatus][]KYCStatus{
		KYCStatusPending:      {KYCStatusInProgress, KYCStatusRejected},
		KYCStatusInProgress:   {KYCStatusApproved, KYCStatusRejected, KYCStatusManualReview},
		KYCStatusManualReview: {KYCStatusApproved, KYCStatusRejected},
		KYCStatusApproved:     {KYCStatusExpired},
		KYCStatusRejected:     {},
		KYCStatusExpired:      {},
	}

	// Every (from, to) pair must match the table exactly; no other pair
	// may succeed.
	for _, from := range AllKYCStatuses {
		for _, to := range AllKYCStatuses {
			check := &KYCCheck{Status: from}
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equalf(t, want, check.CanTransitionTo(to),
				"transition %s -> %s", from, to)
		}
	}
}

func TestKYCCheck_UpdateStatus_RefusesInvalidTransition(t *testing.T) {
	check := &KYCCheck{Status: KYCStatusPending, Notes: "initial"}

	ok := check.UpdateStatus(KYCStatusApproved, "should not apply")
	assert.False(t, ok)
	assert.Equal(t, KYCStatusPending, check.Status)
	assert.Equal(t, "initial", check.Notes)
	assert.Nil(t, check.CompletedAt)
}

func TestKYCCheck_UpdateStatus_SetsCompletedAtOnce(t *testing.T) {
	check := &KYCCheck{Status: KYCStatusInProgress}

	require.True(t, check.UpdateStatus(KYCStatusApproved, "provider approved"))
	require.NotNil(t, check.CompletedAt)
	completed := *check.CompletedAt

	// approved -> expired must not re-stamp completion
	require.True(t, check.UpdateStatus(KYCStatusExpired, ""))
	require.NotNil(t, check.CompletedAt)
	assert.Equal(t, completed, *check.CompletedAt)
}

func TestKYCCheck_TerminalStatesAreImmutable(t *testing.T) {
	for _, terminal := range []KYCStatus{KYCStatusRejected, KYCStatusExpired} {
		check := &KYCCheck{Status: terminal}
		for _, to := range AllKYCStatuses {
			assert.Falsef(t, check.UpdateStatus(to, ""),
				"terminal %s must refuse transition to %s", terminal, to)
		}
	}
}

func TestKYCCheck_IsCompleted(t *testing.T) {
	tests := []struct {
		status    KYCStatus
		completed bool
	}{
		{KYCStatusPending, false},
		{KYCStatusInProgress, false},
		{KYCStatusManualReview, false},
		{KYCStatusApproved, true},
		{KYCStatusRejected, true},
		{KYCStatusExpired, true},
	}

	for _, tt := range tests {
		check := &KYCCheck{Status: tt.status}
		assert.Equal(t, tt.completed, check.IsCompleted(), string(tt.status))
	}
}

func TestKYCCheck_UpdateStatus_KeepsNotesWhenEmpty(t *testing.T) {
	check := &KYCCheck{Status: KYCStatusPending, Notes: "submitted via portal"}
	require.True(t, check.UpdateStatus(KYCStatusInProgress, ""))
	assert.Equal(t, "submitted via portal", check.Notes)

	require.True(t, check.UpdateStatus(KYCStatusManualReview, "docs unreadable"))
	assert.Equal(t, "docs unreadable", check.Notes)
	assert.Nil(t, check.CompletedAt)
}
