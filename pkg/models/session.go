package models

import "time"

// SessionStatus represents the current state of a lab session
type SessionStatus string

const (
	StatusPending SessionStatus = "PENDING"
	StatusActive  SessionStatus = "ACTIVE"
	StatusFailed  SessionStatus = "FAILED"
	StatusEnded   SessionStatus = "ENDED"
)

// OpenStatuses are the statuses that hold a claim on a backing account.
var OpenStatuses = []SessionStatus{StatusPending, StatusActive}

// IsOpen reports whether the status still claims an account.
func (s SessionStatus) IsOpen() bool {
	return s == StatusPending || s == StatusActive
}

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusEnded
}

var transitions = map[SessionStatus][]SessionStatus{
	StatusPending: {StatusActive, StatusFailed, StatusEnded},
	StatusActive:  {StatusFailed, StatusEnded},
	StatusFailed:  {StatusEnded},
}

// CanTransition reports whether moving from one status to another keeps the
// lifecycle monotonic.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LabSession is one learner's time-boxed claim on a provisioned sandbox
type LabSession struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	LabID     string `gorm:"size:128;not null;index:idx_lab_sessions_user_lab,priority:2" json:"labId"`
	UserID    string `gorm:"size:128;not null;index:idx_lab_sessions_user_lab,priority:1" json:"userId"`
	ScopeKey  string `gorm:"size:300;not null" json:"-"`
	AccountID string `gorm:"size:64;not null;index" json:"accountId"`

	PrincipalName   string `gorm:"size:128" json:"principalName,omitempty"`
	Password        string `gorm:"size:256" json:"-"`
	AccessKeyID     string `gorm:"size:128" json:"-"`
	SecretAccessKey string `gorm:"size:256" json:"-"`
	SessionToken    string `gorm:"type:text" json:"-"`
	BucketName      string `gorm:"size:128" json:"bucketName,omitempty"`
	Region          string `gorm:"size:32" json:"region,omitempty"`

	Status        SessionStatus `gorm:"size:16;not null;index" json:"status"`
	FailureReason string        `gorm:"type:text" json:"failureReason,omitempty"`
	CleanupReport string        `gorm:"type:text" json:"-"`

	ExpiresAt time.Time  `gorm:"not null;index" json:"expiresAt"`
	StartedAt time.Time  `gorm:"not null" json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// TableName overrides the table name
func (LabSession) TableName() string {
	return "lab_sessions"
}

// Expired reports whether the session is past its expiry at now.
func (s *LabSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Credentials returns the issued bundle once the session is ACTIVE.
func (s *LabSession) Credentials() *CredentialBundle {
	if s.Status != StatusActive || s.AccessKeyID == "" {
		return nil
	}
	return &CredentialBundle{
		AccountID:       s.AccountID,
		Username:        s.PrincipalName,
		Password:        s.Password,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		SessionToken:    s.SessionToken,
		Region:          s.Region,
		BucketName:      s.BucketName,
		ExpiresAt:       s.ExpiresAt,
	}
}

// ApplyProvisionResult copies issued credentials onto the session.
func (s *LabSession) ApplyProvisionResult(r *ProvisionResult) {
	if r == nil {
		return
	}
	s.PrincipalName = r.Username
	s.Password = r.Password
	s.AccessKeyID = r.AccessKeyID
	s.SecretAccessKey = r.SecretAccessKey
	s.SessionToken = r.SessionToken
	s.BucketName = r.BucketName
	if r.Region != "" {
		s.Region = r.Region
	}
}

// KnownResources returns what the session row knows about provisioned
// resources, for cleanup. Principal and bucket names survive ENDED.
func (s *LabSession) KnownResources() *ProvisionResult {
	if s.PrincipalName == "" && s.BucketName == "" {
		return nil
	}
	return &ProvisionResult{
		Username:    s.PrincipalName,
		AccessKeyID: s.AccessKeyID,
		BucketName:  s.BucketName,
		Region:      s.Region,
	}
}

// ClearCredentials drops every secret from the session.
func (s *LabSession) ClearCredentials() {
	s.Password = ""
	s.AccessKeyID = ""
	s.SecretAccessKey = ""
	s.SessionToken = ""
}

// CredentialBundle is the set of secrets granting access to the principal
type CredentialBundle struct {
	AccountID       string    `json:"accountId"`
	Username        string    `json:"username,omitempty"`
	Password        string    `json:"password,omitempty"`
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken,omitempty"`
	Region          string    `json:"region"`
	BucketName      string    `json:"s3BucketName,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// SessionView is what callers of start/status/end see
type SessionView struct {
	SessionID      string            `json:"sessionId"`
	LabID          string            `json:"labId,omitempty"`
	Status         SessionStatus     `json:"status"`
	Credentials    *CredentialBundle `json:"credentials,omitempty"`
	ConsoleURL     string            `json:"consoleUrl,omitempty"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	EndedAt        *time.Time        `json:"endedAt,omitempty"`
	FailureReason  string            `json:"failureReason,omitempty"`
	CleanupWarning string            `json:"cleanupWarning,omitempty"`
}

// NewSessionView builds the caller view of a session. Credentials are only
// included while the session is ACTIVE.
func NewSessionView(s *LabSession) *SessionView {
	v := &SessionView{
		SessionID:     s.ID,
		LabID:         s.LabID,
		Status:        s.Status,
		Credentials:   s.Credentials(),
		EndedAt:       s.EndedAt,
		FailureReason: s.FailureReason,
	}
	if !s.ExpiresAt.IsZero() {
		expires := s.ExpiresAt
		v.ExpiresAt = &expires
	}
	if !s.StartedAt.IsZero() {
		started := s.StartedAt
		v.StartedAt = &started
	}
	return v
}

// EndedView is returned for sessions that are unknown or already gone.
func EndedView(sessionID string) *SessionView {
	return &SessionView{SessionID: sessionID, Status: StatusEnded}
}
