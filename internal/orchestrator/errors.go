package orchestrator

import (
	"errors"
	"fmt"

	"github.com/joshrwolf/rasterize/internal/storage"
)

// ErrMissingImage is returned when an EDF names no image
var ErrMissingImage = errors.New("environment definition has no image")

// DecodeError reports engine output that is not valid text
type DecodeError struct {
	Op     string
	Output []byte
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s output %q: %v", e.Op, e.Output, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Kind classifies the error for structured output
func (e *DecodeError) Kind() string { return "decode" }

// AcquisitionError reports that an image could not be fetched into the
// native store
type AcquisitionError struct {
	Image string
	Err   error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquiring %s: %v", e.Image, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Kind classifies the error for structured output
func (e *AcquisitionError) Kind() string { return "acquisition" }

// ConsistencyError reports an image that the migration tool claimed to have
// migrated but that the run context cannot see. It is not retried.
type ConsistencyError struct {
	Image   string
	Context storage.Context
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("image %s missing from %s context after successful migration", e.Image, e.Context.Role())
}

// Kind classifies the error for structured output
func (e *ConsistencyError) Kind() string { return "consistency" }

// KindOf returns the classification of the outermost classified error in
// err's chain, or "error" when none is classified.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "error"
}
