package renderer

import (
	"fmt"

	"github.com/rohmanhakim/darc-crawler/pkg/failure"
)

// RenderErrorCause is the render-worker analogue of fetcher.FetchErrorCause.
type RenderErrorCause string

const (
	ErrCauseDriverUnavailable RenderErrorCause = "no driver for proxy kind"
	ErrCauseNavigationFailed  RenderErrorCause = "navigation failed"
	ErrCauseEmptyDocument     RenderErrorCause = "renderer produced no content"
)

type RenderError struct {
	Message   string
	Retryable bool
	Cause     RenderErrorCause
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("renderer error: %s: %s", e.Cause, e.Message)
}

func (e *RenderError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func (e *RenderError) IsRetryable() bool {
	return e.Retryable
}
