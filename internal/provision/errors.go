package provision

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidProject        = errors.New("project id is required")
	ErrAlreadyProvisioned    = errors.New("log ingestion already set up for this project")
	ErrProvisioningFailed    = errors.New("provisioning failed")
	ErrMissingWriterIdentity = errors.New("sink was created without a writer identity")
	ErrPersistence           = errors.New("could not record pipeline")
)

// ProvisioningError reports which step of a setup failed. It matches
// ErrProvisioningFailed with errors.Is and unwraps to the cause.
type ProvisioningError struct {
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

func (e *ProvisioningError) Is(target error) bool {
	return target == ErrProvisioningFailed
}
