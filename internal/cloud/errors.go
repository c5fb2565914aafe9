package cloud

import (
	"errors"
	"fmt"
)

// ErrInvalidKey is returned for object keys that are empty, absolute or
// escape the storage root.
var ErrInvalidKey = errors.New("invalid object key")

// DownloadError is a failed fetch of a recording.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// UploadError is a failed write to object storage.
type UploadError struct {
	Key        string
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload %s failed: HTTP %d: %v", e.Key, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload %s failed: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true for server errors (5xx) and network errors.
// Client errors (4xx) are considered permanent.
func (e *UploadError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}
