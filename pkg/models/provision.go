package models

// ProvisionResult is returned by the infrastructure driver after a successful
// apply. It is never persisted directly; fields are copied onto LabSession.
type ProvisionResult struct {
	AccountID       string            `json:"accountId,omitempty"`
	Username        string            `json:"username"`
	Password        string            `json:"-"`
	AccessKeyID     string            `json:"accessKeyId"`
	SecretAccessKey string            `json:"-"`
	SessionToken    string            `json:"-"`
	Region          string            `json:"region"`
	BucketName      string            `json:"bucketName,omitempty"`
	Resources       map[string]string `json:"resources,omitempty"`
}

// DestroyTier names a cleanup strategy
type DestroyTier string

const (
	TierDeclarative DestroyTier = "declarative"
	TierDirect      DestroyTier = "direct"
)

// CleanupStep is the outcome of one cleanup action
type CleanupStep struct {
	Tier     DestroyTier `json:"tier"`
	Action   string      `json:"action"`
	Target   string      `json:"target,omitempty"`
	NotFound bool        `json:"notFound,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// TierResult summarizes one tier of a destroy
type TierResult struct {
	Attempted bool   `json:"attempted"`
	Succeeded bool   `json:"succeeded"`
	Nothing   bool   `json:"nothingToDestroy,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DestroyReport captures every tier's outcome of a destroy.
type DestroyReport struct {
	Declarative TierResult    `json:"declarative"`
	Fallback    *TierResult   `json:"fallback,omitempty"`
	Steps       []CleanupStep `json:"steps,omitempty"`
}

// Clean reports whether the resources are definitively gone.
func (r *DestroyReport) Clean() bool {
	if r == nil {
		return false
	}
	if r.Fallback != nil {
		return r.Fallback.Succeeded
	}
	return r.Declarative.Succeeded
}

// AddStep records a cleanup step.
func (r *DestroyReport) AddStep(step CleanupStep) {
	r.Steps = append(r.Steps, step)
}

// FailedSteps returns the steps that did not complete.
func (r *DestroyReport) FailedSteps() []CleanupStep {
	var failed []CleanupStep
	for _, s := range r.Steps {
		if s.Error != "" {
			failed = append(failed, s)
		}
	}
	return failed
}
