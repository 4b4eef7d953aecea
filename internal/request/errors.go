// SPDX-License-Identifier: Apache-2.0

package request

import (
	"errors"
	"fmt"
)

// Error kinds a request can complete with. Callers classify with errors.Is.
var (
	ErrUserCanceled      = errors.New("user canceled")
	ErrFailed            = errors.New("failed")
	ErrNoSecrets         = errors.New("no secrets available")
	ErrInvalidConnection = errors.New("invalid connection")
)

// Failures that are reported as ErrFailed.
var (
	ErrUnsupportedConnectionType = fmt.Errorf("%w: unsupported connection type", ErrFailed)
	ErrDuplicateRequest          = fmt.Errorf("%w: request already in progress", ErrFailed)
	ErrShuttingDown              = fmt.Errorf("%w: agent shutting down", ErrFailed)
)

// Failf returns an ErrFailed error with a formatted message.
func Failf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFailed, fmt.Sprintf(format, args...))
}

// Classify returns err unchanged if it already carries an error kind, and
// wraps it in ErrFailed otherwise.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range []error{ErrUserCanceled, ErrNoSecrets, ErrInvalidConnection, ErrFailed} {
		if errors.Is(err, k) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrFailed, err)
}

// Kind returns the error kind err belongs to, or ErrFailed if it carries
// none of them.
func Kind(err error) error {
	for _, k := range []error{ErrUserCanceled, ErrNoSecrets, ErrInvalidConnection, ErrFailed} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrFailed
}
