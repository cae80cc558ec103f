package bus

import (
	"errors"
	"fmt"
)

// ErrPublish matches every publish failure returned by this package.
var ErrPublish = errors.New("publish failed")

// ErrNotConnected is returned when Publish is called while the broker
// connection is down. The notification is not queued.
var ErrNotConnected = fmt.Errorf("%w: not connected", ErrPublish)

// TransientError reports a broker-side failure for a single publish.
type TransientError struct {
	Topic string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Topic, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrPublish }

// AuthError reports that the broker rejected our credentials. It is fatal.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker rejected credentials: %s: %v", e.Reason, e.Err)
	}
	return "broker rejected credentials: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrPublish }
