package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrGatewayUnavailable means the endpoint could not be reached, or it
	// refused a submission.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrGatewayRejected means the endpoint answered with an error status
	// or a body that could not be understood.
	ErrGatewayRejected = errors.New("gateway rejected request")
	ErrArtifactMissing = errors.New("artifact missing")
)

const maxErrorBodySize = 64 * 1024

type httpError struct {
	statusCode int
	body       string
}

func (e httpError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("status %d", e.statusCode)
	}
	return fmt.Sprintf("status %d: %s", e.statusCode, e.body)
}
