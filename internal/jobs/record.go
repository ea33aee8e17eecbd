package jobs

import (
	"github.com/crawlmux/crawlmux/internal/engine"
	"github.com/crawlmux/crawlmux/internal/store"
)

// State is the lifecycle state of a crawl job as derived by the registry.
type State string

// Job lifecycle states. Unknown is the only initial state; Finished is
// terminal. Crawling and Suspended transition into each other; Crawling moves
// through Stopping into Finished.
const (
	StateUnknown   State = "unknown"
	StateCrawling  State = "crawling"
	StateSuspended State = "suspended"
	StateStopping  State = "stopping"
	StateFinished  State = "finished"
)

// Record is a snapshot of one crawl job as seen by API consumers. For live
// jobs it is derived on demand from the engine instance; for finished jobs it
// is the retained terminal snapshot.
type Record struct {
	// ID is the process-local monotonically increasing job id, never reused.
	ID int64 `json:"id"`
	// PersistentID is the job's document id in the persistent store. Zero
	// until the export path creates the backing document; stays zero if
	// export failed.
	PersistentID store.DocID `json:"_id,omitempty"`
	// Seed is the originating URL or spider selector.
	Seed  string `json:"seed"`
	State State  `json:"state"`
	// Reason is the engine-reported close reason, set on Finished records.
	Reason string `json:"reason,omitempty"`
	// StartOptions is the original request, retained for resume and audit.
	StartOptions store.StartOptions `json:"options"`
	// Stats is a point-in-time snapshot of the job's counters.
	Stats map[string]any `json:"stats,omitempty"`
	Flags []string       `json:"flags,omitempty"`
	// Downloads is live-only, best-effort downloader diagnostics; it is never
	// part of the durable record and is absent on finished snapshots.
	Downloads *engine.Downloads `json:"downloads,omitempty"`
}

// Ref returns the identity tuple used in aggregated signal payloads.
func (r Record) Ref() Ref {
	return Ref{ID: r.ID, PersistentID: r.PersistentID, Seed: r.Seed}
}
