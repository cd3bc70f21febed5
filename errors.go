package polaris

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateTool is returned by ToolRegistry.Register when a tool with
// the same name is already present.
var ErrDuplicateTool = errors.New("duplicate tool name")

// ErrProvider is a model API failure. Retryable reports whether the
// failure is transient (rate limit, overload, network timeout); the retry
// wrapper only retries those.
type ErrProvider struct {
	Provider  string
	Message   string
	Retryable bool
}

func (e *ErrProvider) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is an HTTP-level failure from a provider or tool backend.
// RetryAfter carries the parsed Retry-After header when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
