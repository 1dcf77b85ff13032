package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is the single failure shape of every collaborator call: transport
// errors, timeouts and non-success responses all end up here.
type Error struct {
	Service    string // inventory, ecommerce, payment
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway: %s %s: status %d: %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway: %s %s: %v", e.Service, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the call hit its deadline.
func (e *Error) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// IsNotFound reports whether err is a collaborator 404.
func IsNotFound(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.StatusCode == http.StatusNotFound
}
