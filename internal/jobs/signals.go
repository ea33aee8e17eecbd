package jobs

import (
	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/engine"
	"github.com/crawlmux/crawlmux/internal/stats"
	"github.com/crawlmux/crawlmux/internal/store"
)

// Process-wide aggregated signals, one per raw engine signal. Listeners
// subscribe to these instead of wiring into individual engine instances; the
// payload identifies the owning job so engine-internal identities never leak
// downstream.
var (
	SigEngineStarted      = bus.Signal{Name: "agg_engine_started", Deferred: true}
	SigEngineStopped      = bus.Signal{Name: "agg_engine_stopped", Deferred: true}
	SigEnginePaused       = bus.Signal{Name: "agg_engine_paused"}
	SigEngineResumed      = bus.Signal{Name: "agg_engine_resumed"}
	SigEngineTick         = bus.Signal{Name: "agg_engine_tick"}
	SigSpiderOpened       = bus.Signal{Name: "agg_spider_opened", Deferred: true}
	SigSpiderIdle         = bus.Signal{Name: "agg_spider_idle"}
	SigSpiderClosed       = bus.Signal{Name: "agg_spider_closed", Deferred: true}
	SigSpiderClosing      = bus.Signal{Name: "agg_spider_closing"}
	SigSpiderError        = bus.Signal{Name: "agg_spider_error"}
	SigRequestScheduled   = bus.Signal{Name: "agg_request_scheduled"}
	SigRequestDropped     = bus.Signal{Name: "agg_request_dropped"}
	SigResponseReceived   = bus.Signal{Name: "agg_response_received"}
	SigResponseDownloaded = bus.Signal{Name: "agg_response_downloaded"}
	SigItemScraped        = bus.Signal{Name: "agg_item_scraped", Deferred: true}
	SigItemDropped        = bus.Signal{Name: "agg_item_dropped", Deferred: true}
	SigDownloaderEnqueued = bus.Signal{Name: "agg_downloader_enqueued"}
	SigDownloaderDequeued = bus.Signal{Name: "agg_downloader_dequeued"}

	// SigStatsChanged is deliberately distinct from the engine lifecycle
	// signals above: stats changes originate from the per-job change tracker,
	// not the engine, and carry a (job, change-set) payload.
	SigStatsChanged = bus.Signal{Name: "agg_stats_changed"}
)

// Aggregated maps a raw engine signal to its process-wide counterpart. The
// switch is total over the closed RawSignal enum.
func Aggregated(raw engine.RawSignal) bus.Signal {
	switch raw {
	case engine.RawEngineStarted:
		return SigEngineStarted
	case engine.RawEngineStopped:
		return SigEngineStopped
	case engine.RawEnginePaused:
		return SigEnginePaused
	case engine.RawEngineResumed:
		return SigEngineResumed
	case engine.RawEngineTick:
		return SigEngineTick
	case engine.RawSpiderOpened:
		return SigSpiderOpened
	case engine.RawSpiderIdle:
		return SigSpiderIdle
	case engine.RawSpiderClosed:
		return SigSpiderClosed
	case engine.RawSpiderClosing:
		return SigSpiderClosing
	case engine.RawSpiderError:
		return SigSpiderError
	case engine.RawRequestScheduled:
		return SigRequestScheduled
	case engine.RawRequestDropped:
		return SigRequestDropped
	case engine.RawResponseReceived:
		return SigResponseReceived
	case engine.RawResponseDownloaded:
		return SigResponseDownloaded
	case engine.RawItemScraped:
		return SigItemScraped
	case engine.RawItemDropped:
		return SigItemDropped
	case engine.RawDownloaderEnqueued:
		return SigDownloaderEnqueued
	case engine.RawDownloaderDequeued:
		return SigDownloaderDequeued
	case engine.RawStatsChanged:
		return SigStatsChanged
	}
	return bus.Signal{Name: "agg_unknown"}
}

// Ref identifies the job a signal pertains to.
type Ref struct {
	ID           int64
	PersistentID store.DocID
	Seed         string
}

// Event is the payload of every aggregated engine signal except
// SigStatsChanged.
type Event struct {
	Job  Ref
	Raw  engine.RawSignal
	Data any
}

// StatsEvent is the payload of SigStatsChanged.
type StatsEvent struct {
	Job     Ref
	Changes stats.ChangeSet
}
