package evalapi

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"stagewatch/internal/services"
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("evalapi %s returned %d: %s", e.Op, e.Code, e.Body)
	}
	return fmt.Sprintf("evalapi %s returned %d", e.Op, e.Code)
}

// Unwrap maps the status code onto the shared service markers.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusNotFound:
		return services.ErrNotFound
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return services.ErrTransient
	case e.Code >= 500:
		return services.ErrUnavailable
	default:
		return services.ErrValidation
	}
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	return errors.Is(err, services.ErrNotFound)
}

// IsUnavailable reports whether err means the service could not be reached
// or is failing server-side.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, services.ErrUnavailable) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
