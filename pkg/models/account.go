package models

import "time"

// CloudAccount is a backing cloud account in the pool. It is configured at
// process start and never mutated; availability is derived from sessions.
type CloudAccount struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Region          string `json:"region"`
	AccessKeyID     string `json:"-"`
	SecretAccessKey string `json:"-"`
	TemplateDir     string `json:"templateDir"`
}

// AccountAvailability is the derived claim state of one account
type AccountAvailability struct {
	Account   CloudAccount `json:"account"`
	Claimed   bool         `json:"claimed"`
	SessionID string       `json:"sessionId,omitempty"`
}

// Lab is a lab catalog entry
type Lab struct {
	ID           string        `json:"id"`
	Duration     time.Duration `json:"duration"`
	Capabilities []string      `json:"capabilities,omitempty"`
}

// HasCapability reports whether the lab requests the named capability.
func (l Lab) HasCapability(name string) bool {
	for _, c := range l.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}
