package publish

import (
	"errors"
	"fmt"
)

// Errors returned by the publisher. Match them with errors.Is.
var (
	// ErrAuthentication means the access token is missing or was refused.
	ErrAuthentication = errors.New("Cannot authenticate to Zenodo")

	// ErrAlreadyPublished means the descriptor has a DOI and neither
	// --replace nor --id was given.
	ErrAlreadyPublished = errors.New("Descriptor already has a DOI")

	// ErrNotFound means the target record of a new version does not exist.
	ErrNotFound = errors.New("Zenodo record not found")

	// ErrAmbiguousMatch means several records carry the descriptor's name.
	ErrAmbiguousMatch = errors.New("several Zenodo records match the descriptor name")

	// ErrInvalidID means an --id value or an existing DOI could not be parsed.
	ErrInvalidID = errors.New("invalid Zenodo identifier")

	// ErrCancelled means the user declined the confirmation prompt.
	ErrCancelled = errors.New("publication cancelled")
)

// Step names reported in StepError.
const (
	StepCreate         = "create deposition"
	StepNewVersion     = "new version"
	StepListFiles      = "list inherited files"
	StepDeleteFile     = "delete inherited file"
	StepUpload         = "upload descriptor"
	StepUpdateMetadata = "update metadata"
	StepPublish        = "publish"
	StepWriteLocal     = "write descriptor"
)

// StepError reports a failed step of the remote publication sequence.
// Stage is the last stage that completed, so a half-done deposition can be
// found and repaired by hand.
type StepError struct {
	Step      string
	Stage     Stage
	DepositID int64  // 0 if no deposition was allocated
	DOI       string // set only when the remote publish succeeded
	Err       error
}

func (e *StepError) Error() string {
	switch {
	case e.DOI != "":
		return fmt.Sprintf("%s failed after publishing %s (deposit %d): %v", e.Step, e.DOI, e.DepositID, e.Err)
	case e.DepositID != 0:
		return fmt.Sprintf("%s failed (deposit %d left %s): %v", e.Step, e.DepositID, e.Stage, e.Err)
	default:
		return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
	}
}

func (e *StepError) Unwrap() error {
	return e.Err
}
