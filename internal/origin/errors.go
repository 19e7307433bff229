package origin

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the origin platform no longer serves the
// requested content id.
var ErrNotFound = errors.New("content not found at origin")

// FetchError wraps a download failure. Fetch errors are retryable by the
// client: the origin or the network may recover.
type FetchError struct {
	ContentID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.ContentID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TranscodeError wraps a conversion failure after a successful download.
type TranscodeError struct {
	ContentID string
	Err       error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcoding %s: %v", e.ContentID, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }
