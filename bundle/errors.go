package bundle

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/bundlewatch/bundle/internal/fetch"
)

// FetchError is a network or HTTP failure on the entry document or an
// asset. It aborts the scan.
type FetchError = fetch.Error

// ErrFetch matches any FetchError.
var ErrFetch = fetch.ErrFetch

// ErrMissingData matches any MissingDataError.
var ErrMissingData = errors.New("bundle: mandatory field not found")

// ErrUnknownTarget is returned when a target name has no definition.
var ErrUnknownTarget = errors.New("bundle: unknown target")

// MissingDataError reports a field the target requires that no asset or
// manifest route provided.
type MissingDataError struct {
	Target string
	Field  Field
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("bundle: %s: %s not found in any asset", e.Target, e.Field)
}

func (e *MissingDataError) Is(target error) bool { return target == ErrMissingData }
