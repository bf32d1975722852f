package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]SessionStatus{
		{StatusPending, StatusActive},
		{StatusPending, StatusFailed},
		{StatusPending, StatusEnded},
		{StatusActive, StatusFailed},
		{StatusActive, StatusEnded},
		{StatusFailed, StatusEnded},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]SessionStatus{
		{StatusActive, StatusPending},
		{StatusFailed, StatusActive},
		{StatusEnded, StatusActive},
		{StatusEnded, StatusPending},
		{StatusEnded, StatusEnded},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func activeSession() *LabSession {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return &LabSession{
		ID:              "s-1",
		LabID:           "lab-iam",
		UserID:          "user-1",
		AccountID:       "acct-1",
		PrincipalName:   "lab-user",
		Password:        "pw",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "secret",
		BucketName:      "bucket",
		Region:          "us-east-1",
		Status:          StatusActive,
		StartedAt:       start,
		ExpiresAt:       start.Add(time.Hour),
	}
}

func TestSessionView_CredentialsOnlyWhileActive(t *testing.T) {
	s := activeSession()

	v := NewSessionView(s)
	require.NotNil(t, v.Credentials)
	assert.Equal(t, "secret", v.Credentials.SecretAccessKey)
	assert.Equal(t, "bucket", v.Credentials.BucketName)
	assert.Equal(t, s.ExpiresAt, v.Credentials.ExpiresAt)

	for _, status := range []SessionStatus{StatusPending, StatusFailed, StatusEnded} {
		s.Status = status
		assert.Nil(t, NewSessionView(s).Credentials, status)
	}
}

func TestClearCredentialsKeepsCleanupKeys(t *testing.T) {
	s := activeSession()
	s.ClearCredentials()

	assert.Empty(t, s.Password)
	assert.Empty(t, s.AccessKeyID)
	assert.Empty(t, s.SecretAccessKey)
	assert.Nil(t, s.Credentials())

	known := s.KnownResources()
	require.NotNil(t, known)
	assert.Equal(t, "lab-user", known.Username)
	assert.Equal(t, "bucket", known.BucketName)
}

func TestKnownResources_Empty(t *testing.T) {
	assert.Nil(t, (&LabSession{ID: "s-1"}).KnownResources())
}

func TestExpired(t *testing.T) {
	s := activeSession()
	assert.False(t, s.Expired(s.ExpiresAt.Add(-time.Second)))
	assert.True(t, s.Expired(s.ExpiresAt))
}

func TestDestroyReport_Clean(t *testing.T) {
	var nilReport *DestroyReport
	assert.False(t, nilReport.Clean())

	r := &DestroyReport{Declarative: TierResult{Attempted: true, Succeeded: true}}
	assert.True(t, r.Clean())

	r = &DestroyReport{
		Declarative: TierResult{Attempted: true, Error: "timeout"},
		Fallback:    &TierResult{Attempted: true, Succeeded: true},
	}
	assert.True(t, r.Clean(), "a successful fallback makes the destroy clean")

	r.Fallback.Succeeded = false
	r.AddStep(CleanupStep{Tier: TierDirect, Action: "delete_user", Error: "Throttling"})
	r.AddStep(CleanupStep{Tier: TierDirect, Action: "delete_bucket", NotFound: true})
	assert.False(t, r.Clean())
	assert.Len(t, r.FailedSteps(), 1)
}
