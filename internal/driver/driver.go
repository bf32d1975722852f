package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/shehryarbajwa/labforge/pkg/models"
)

// ErrProvisioningFailed marks any failure to bring a sandbox up.
var ErrProvisioningFailed = errors.New("provisioning failed")

// Driver provisions and destroys the cloud resources behind a session.
type Driver interface {
	Provision(ctx context.Context, req ProvisionRequest) (*models.ProvisionResult, error)
	// Destroy never returns an error; every tier's outcome is in the report.
	Destroy(ctx context.Context, req DestroyRequest) *models.DestroyReport
}

// ProvisionRequest describes one sandbox to create
type ProvisionRequest struct {
	Account   models.CloudAccount
	Lab       models.Lab
	UserID    string
	SessionID string
	Vars      map[string]any
}

// DestroyRequest describes one sandbox to tear down
type DestroyRequest struct {
	Account   models.CloudAccount
	Lab       models.Lab
	UserID    string
	SessionID string
	// Known is what the session row remembers about issued resources.
	Known *models.ProvisionResult
}

// ProvisioningError carries the step that failed
type ProvisioningError struct {
	SessionID string
	Step      string
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning session %s failed at %s: %v", e.SessionID, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Is lets callers match on ErrProvisioningFailed
func (e *ProvisioningError) Is(target error) bool {
	return target == ErrProvisioningFailed
}

func provisionErr(ctx context.Context, sessionID, step string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	return &ProvisioningError{SessionID: sessionID, Step: step, Err: err}
}
