package cloud

import (
	"errors"
	"fmt"

	smithy "github.com/aws/smithy-go"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource is being modified")
	ErrTooLarge       = errors.New("payload exceeds service limit")
	ErrThrottled      = errors.New("request throttled")
	ErrAccessDenied   = errors.New("access denied")
	ErrInvalidRequest = errors.New("invalid request")
	ErrServiceFailure = errors.New("service failure")
)

// CloudError wraps a remote failure with the operation and resource involved.
type CloudError struct {
	Op       string // Operation that failed (e.g., "UpdateCode")
	Resource string // Unit or layer name
	Code     string // Remote error code, if any
	Err      error
}

func (e *CloudError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Resource, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *CloudError) Unwrap() error {
	return e.Err
}

// NewCloudError classifies err and wraps it. API error codes are mapped to
// the package sentinels so callers can use errors.Is.
func NewCloudError(op, resource string, err error) *CloudError {
	ce := &CloudError{Op: op, Resource: resource, Err: err}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return ce
	}
	ce.Code = apiErr.ErrorCode()
	if sentinel := sentinelFor(ce.Code); sentinel != nil {
		ce.Err = fmt.Errorf("%w: %s", sentinel, apiErr.ErrorMessage())
	}
	return ce
}

func sentinelFor(code string) error {
	switch code {
	case "ResourceNotFoundException":
		return ErrNotFound
	case "ResourceConflictException", "ResourceInUseException":
		return ErrConflict
	case "RequestEntityTooLargeException", "CodeStorageExceededException":
		return ErrTooLarge
	case "TooManyRequestsException", "ThrottlingException":
		return ErrThrottled
	case "AccessDeniedException":
		return ErrAccessDenied
	case "InvalidParameterValueException", "InvalidRequestContentException":
		return ErrInvalidRequest
	case "ServiceException":
		return ErrServiceFailure
	}
	return nil
}
