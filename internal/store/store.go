// Package store defines the persistent document collections used by the
// orchestrator: crawl job records, fetched pages, and site configurations.
// Documents carry a store-assigned, totally-ordered identity usable as a tail
// cursor.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound signals that the requested document does not exist.
var ErrNotFound = errors.New("document not found")

// ErrUnavailable signals that the backing store could not be reached. Callers
// degrade (skip persistence, miss tail updates) rather than failing the job.
var ErrUnavailable = errors.New("store unavailable")

// DocID is the store-assigned insertion-ordered document identity. Zero means
// "not assigned" (or, as a tail position, "start from the latest document").
type DocID int64

// FromStart is a sentinel tail position requesting full history replay
// instead of the default latest-forward behavior.
const FromStart DocID = -1

// StartOptions is the original crawl request, retained on the job document so
// unfinished jobs can be resumed after a process restart.
type StartOptions struct {
	Seed     string            `json:"seed"`
	Args     map[string]string `json:"args,omitempty"`
	Settings map[string]any    `json:"settings,omitempty"`
}

// Job statuses persisted on job documents. "running" and "shutdown" mark jobs
// that were active when the process exited and are picked up by
// resume-on-start.
const (
	JobStatusRunning  = "running"
	JobStatusShutdown = "shutdown"
	JobStatusFinished = "finished"
)

// JobDoc is the persistent record of one crawl job.
type JobDoc struct {
	ID        DocID          `json:"_id"`
	CrawlID   int64          `json:"id"`
	Seed      string         `json:"urls"`
	Status    string         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Stats     map[string]any `json:"stats,omitempty"`
	Options   *StartOptions  `json:"options,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PageDoc is one fetched page, tagged with the owning job document.
type PageDoc struct {
	ID        DocID     `json:"_id"`
	JobID     DocID     `json:"_job_id"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	Status    int       `json:"status"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SiteDoc is a site configuration, optionally carrying a cron schedule for
// periodic re-crawl.
type SiteDoc struct {
	ID            DocID      `json:"_id"`
	URL           string     `json:"url"`
	Engine        string     `json:"engine,omitempty"`
	Schedule      string     `json:"schedule,omitempty"`
	ScheduleValid bool       `json:"schedule_valid"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
}

// JobQuery filters job documents. Seed matching is "contains substring":
// a document matches when its seed contains any include pattern and no
// exclude pattern. Zero-value fields are ignored.
type JobQuery struct {
	AfterID      DocID
	SeedContains []string
	SeedExcludes []string
	Statuses     []string
	CrawlIDs     []int64
	Limit        int
}

// PageQuery filters page documents by owning job and tail position.
type PageQuery struct {
	AfterID DocID
	JobIDs  []DocID
	Limit   int
}

// JobStore persists job documents. Find returns matches ordered by insertion
// (ascending DocID).
type JobStore interface {
	Insert(ctx context.Context, doc JobDoc) (DocID, error)
	Update(ctx context.Context, id DocID, patch map[string]any) error
	Remove(ctx context.Context, id DocID) error
	Find(ctx context.Context, q JobQuery) ([]JobDoc, error)
	LastID(ctx context.Context) (DocID, error)
	EnsureIndex(ctx context.Context, field string) error
}

// PageStore persists page documents.
type PageStore interface {
	Insert(ctx context.Context, doc PageDoc) (DocID, error)
	Find(ctx context.Context, q PageQuery) ([]PageDoc, error)
	LastID(ctx context.Context) (DocID, error)
	EnsureIndex(ctx context.Context, field string) error
}

// SiteStore persists site configurations.
type SiteStore interface {
	Insert(ctx context.Context, doc SiteDoc) (DocID, error)
	Update(ctx context.Context, id DocID, patch map[string]any) error
	Remove(ctx context.Context, id DocID) error
	Find(ctx context.Context) ([]SiteDoc, error)
}

// MatchSeed reports whether seed satisfies the include/exclude substring
// patterns. Empty include matches everything.
func MatchSeed(seed string, include, exclude []string) bool {
	if len(include) > 0 {
		matched := false
		for _, inc := range include {
			if inc != "" && strings.Contains(seed, inc) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, exc := range exclude {
		if exc != "" && strings.Contains(seed, exc) {
			return false
		}
	}
	return true
}
