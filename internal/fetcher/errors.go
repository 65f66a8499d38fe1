package fetcher

import (
	"fmt"

	"github.com/rohmanhakim/darc-crawler/pkg/failure"
)

// FetchErrorCause is a closed taxonomy of fetch-worker failure modes,
// generalized from the teacher's HTML-only fetcher.FetchErrorCause. There is
// no content-type cause: arbitrary MIME types are fetched, and
// sitehook.Filters.AllowMime gates whether the body is persisted, not whether
// the request happens.
type FetchErrorCause string

const (
	ErrCauseNetworkFailure        FetchErrorCause = "network issues"
	ErrCauseReadResponseBodyError FetchErrorCause = "failed to read response body"
	ErrCauseRedirectLimitExceeded FetchErrorCause = "reached redirect limit"
	ErrCauseRequestPageForbidden  FetchErrorCause = "forbidden"
	ErrCauseRequestTooMany        FetchErrorCause = "too many requests"
	ErrCauseRequest5xx            FetchErrorCause = "5xx"
	ErrCauseRobotsDisallowed      FetchErrorCause = "robots.txt disallows path"
)

type FetchError struct {
	Message   string
	Retryable bool
	Cause     FetchErrorCause
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetcher error: %s: %s", e.Cause, e.Message)
}

func (e *FetchError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func (e *FetchError) IsRetryable() bool {
	return e.Retryable
}
