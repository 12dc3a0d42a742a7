package executor

import (
	"errors"
	"fmt"
	"time"
)

// ErrContainerNotFound indicates the referenced container no longer exists.
var ErrContainerNotFound = errors.New("executor: container not found")

// SourceFetchError reports a failed repository fetch (bad URL, auth failure,
// missing branch). The underlying error text is preserved verbatim.
type SourceFetchError struct {
	Err error
}

func (e *SourceFetchError) Error() string { return fmt.Sprintf("source fetch failed: %v", e.Err) }
func (e *SourceFetchError) Unwrap() error { return e.Err }

// BuildError reports a non-zero image build.
type BuildError struct {
	Err error
}

func (e *BuildError) Error() string { return fmt.Sprintf("image build failed: %v", e.Err) }
func (e *BuildError) Unwrap() error { return e.Err }

// ContainerStartError reports a failed container create or start.
type ContainerStartError struct {
	Err error
}

func (e *ContainerStartError) Error() string { return fmt.Sprintf("container start failed: %v", e.Err) }
func (e *ContainerStartError) Unwrap() error { return e.Err }

// HealthcheckTimeoutError reports that the health probe never succeeded
// within its deadline.
type HealthcheckTimeoutError struct {
	Deadline time.Duration
	LastErr  error
}

func (e *HealthcheckTimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("healthcheck did not pass within %s: %v", e.Deadline, e.LastErr)
	}
	return fmt.Sprintf("healthcheck did not pass within %s", e.Deadline)
}

func (e *HealthcheckTimeoutError) Unwrap() error { return e.LastErr }
