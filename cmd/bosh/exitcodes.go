package main

import (
	"encoding/json"
	"errors"
	"io/fs"

	"github.com/boutiques/bosh/internal/descriptor"
	"github.com/boutiques/bosh/internal/publish"
	"github.com/boutiques/bosh/internal/zenodo"
)

// Exit codes
const (
	ExitSuccess     = 0 // Success
	ExitError       = 1 // General error (invalid arguments, runtime failure)
	ExitDataError   = 2 // Missing or malformed descriptor, bad --id or DOI
	ExitAuthError   = 3 // Missing or invalid Zenodo token
	ExitRejected    = 4 // Already published, ambiguous match or cancelled
	ExitRemoteError = 5 // A remote step failed (not found, API or network error)
)

// exitCodeFor maps an error to the process exit code.
func exitCodeFor(err error) int {
	var (
		stepErr   *publish.StepError
		apiErr    *zenodo.APIError
		syntaxErr *json.SyntaxError
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, publish.ErrAuthentication):
		return ExitAuthError
	case errors.Is(err, publish.ErrAlreadyPublished),
		errors.Is(err, publish.ErrAmbiguousMatch),
		errors.Is(err, publish.ErrCancelled):
		return ExitRejected
	case errors.Is(err, publish.ErrInvalidID),
		errors.Is(err, descriptor.ErrMissingName),
		errors.Is(err, descriptor.ErrNotObject),
		errors.Is(err, fs.ErrNotExist),
		errors.As(err, &syntaxErr):
		return ExitDataError
	case errors.As(err, &stepErr),
		errors.As(err, &apiErr),
		errors.Is(err, publish.ErrNotFound),
		errors.Is(err, zenodo.ErrNetworkError),
		errors.Is(err, zenodo.ErrInvalidResponse):
		return ExitRemoteError
	default:
		return ExitError
	}
}
