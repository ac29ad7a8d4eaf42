package undelete

import (
	"errors"
	"fmt"

	"undelete/internal/backend"
)

// TrashProvisioningError reports that the trash account or container for a
// delete could not be created (name too long, backend at capacity, ...).
type TrashProvisioningError struct {
	Location backend.Location
	Err      error
}

func (e *TrashProvisioningError) Error() string {
	return fmt.Sprintf("provisioning trash location %s/%s: %v", e.Location.Account, e.Location.Container, e.Err)
}

func (e *TrashProvisioningError) Unwrap() error {
	return e.Err
}

// TrashCopyError reports that the copy into a provisioned trash location
// failed.
type TrashCopyError struct {
	Source backend.Location
	Trash  backend.Location
	Err    error
}

func (e *TrashCopyError) Error() string {
	return fmt.Sprintf("copying %s/%s/%s to trash: %v", e.Source.Account, e.Source.Container, e.Source.Object, e.Err)
}

func (e *TrashCopyError) Unwrap() error {
	return e.Err
}

// SourceDeleteError reports that the backend rejected the forwarded DELETE
// after the trash copy was made (or deliberately skipped).
type SourceDeleteError struct {
	Source backend.Location
	Status int
}

func (e *SourceDeleteError) Error() string {
	return fmt.Sprintf("deleting %s/%s/%s: backend returned status %d", e.Source.Account, e.Source.Container, e.Source.Object, e.Status)
}

// errorKind extracts the backend failure class from anywhere in an error
// chain.
func errorKind(err error) backend.ErrorKind {
	var berr *backend.Error
	if errors.As(err, &berr) {
		return berr.Kind
	}
	return backend.ErrOther
}
