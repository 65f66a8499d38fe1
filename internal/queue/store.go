// Package queue defines the durable, score-ordered Queue Store contract
// shared by the Redis and relational backends, and the Link payload codec
// used to round-trip queue entries without re-invoking the classifier.
package queue

import (
	"context"
	"time"

	"github.com/rohmanhakim/darc-crawler/internal/link"
)

// Entry pairs a Link with the queue's bookkeeping fields.
type Entry struct {
	Link  link.Link
	Score int64
}

// SaveOptions controls the write semantics of SaveRequests/SaveSelenium,
// mirroring darc's save_requests(nx=, xx=) contract.
type SaveOptions struct {
	// Score is the eligibility timestamp (unix seconds) to assign. Zero means
	// "now".
	Score int64
	// NX: add only if the key is absent (default scheduling is preserved).
	NX bool
	// XX: update only if the key is already present.
	XX bool
}

// Store is the Queue Store contract: three logical score-ordered sets
// (hostname, fetch, render) plus the per-host bootstrap gate.
//
// Implementations must satisfy:
//   - HaveHostname atomically decides and upserts (one Lua script in Redis,
//     one transaction in SQL), so that
//     "known=false" is returned to at most one caller per TIME_CACHE window
//     regardless of how many workers call it concurrently for the same host.
//   - Load* never yields the same entry to two concurrent callers within one
//     TIME_CACHE window (the re-score on load must happen atomically with the
//     read).
type Store interface {
	// HaveHostname reports whether host was seen before (known) and whether
	// its last-seen timestamp is older than the cache window (stale). It
	// atomically upserts the last-seen timestamp to now when the record is
	// new or stale.
	HaveHostname(ctx context.Context, host string, now time.Time, cacheWindow time.Duration) (known bool, stale bool, err error)

	// SaveRequests stores each Link's payload and schedules it in the fetch
	// queue per opts.
	SaveRequests(ctx context.Context, links []link.Link, opts SaveOptions) error
	// SaveSelenium is the render-queue analogue of SaveRequests.
	SaveSelenium(ctx context.Context, links []link.Link, opts SaveOptions) error

	// LoadRequests atomically returns up to maxPool entries whose score has
	// elapsed, in ascending score order, and advances their score forward by
	// cacheWindow (when cacheWindow > 0) so other workers do not immediately
	// reclaim them.
	LoadRequests(ctx context.Context, now time.Time, maxPool int, cacheWindow time.Duration) ([]Entry, error)
	// LoadSelenium is the render-queue analogue of LoadRequests.
	LoadSelenium(ctx context.Context, now time.Time, maxPool int, cacheWindow time.Duration) ([]Entry, error)

	// DropRequests removes a Link's fetch-queue entry and payload.
	DropRequests(ctx context.Context, l link.Link) error
	// DropSelenium removes a Link's render-queue entry and payload.
	DropSelenium(ctx context.Context, l link.Link) error
}
