// Package engine defines the contract between the orchestrator and the
// per-job fetch engines it supervises. The orchestrator never reaches into an
// engine's internals: it starts/stops/pauses instances and observes them
// through the raw signals each instance emits on its own bus.
package engine

import (
	"context"
	"time"

	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/stats"
)

// RawSignal enumerates every engine-level signal a fetch engine can emit.
// The set is closed: the signal aggregator maps each member to exactly one
// process-wide signal via a total switch, so an unmapped signal cannot
// compile.
type RawSignal int

// Raw engine signals. StatsChanged originates from the per-job stats
// collector rather than the engine itself, but travels the same bus.
const (
	RawEngineStarted RawSignal = iota
	RawEngineStopped
	RawEnginePaused
	RawEngineResumed
	RawEngineTick
	RawSpiderOpened
	RawSpiderIdle
	RawSpiderClosed
	RawSpiderClosing
	RawSpiderError
	RawRequestScheduled
	RawRequestDropped
	RawResponseReceived
	RawResponseDownloaded
	RawItemScraped
	RawItemDropped
	RawDownloaderEnqueued
	RawDownloaderDequeued
	RawStatsChanged
)

// AllRawSignals lists every RawSignal, in declaration order. The aggregator
// iterates this to attach listeners before an engine starts.
var AllRawSignals = []RawSignal{
	RawEngineStarted,
	RawEngineStopped,
	RawEnginePaused,
	RawEngineResumed,
	RawEngineTick,
	RawSpiderOpened,
	RawSpiderIdle,
	RawSpiderClosed,
	RawSpiderClosing,
	RawSpiderError,
	RawRequestScheduled,
	RawRequestDropped,
	RawResponseReceived,
	RawResponseDownloaded,
	RawItemScraped,
	RawItemDropped,
	RawDownloaderEnqueued,
	RawDownloaderDequeued,
	RawStatsChanged,
}

func (s RawSignal) String() string {
	switch s {
	case RawEngineStarted:
		return "engine_started"
	case RawEngineStopped:
		return "engine_stopped"
	case RawEnginePaused:
		return "engine_paused"
	case RawEngineResumed:
		return "engine_resumed"
	case RawEngineTick:
		return "engine_tick"
	case RawSpiderOpened:
		return "spider_opened"
	case RawSpiderIdle:
		return "spider_idle"
	case RawSpiderClosed:
		return "spider_closed"
	case RawSpiderClosing:
		return "spider_closing"
	case RawSpiderError:
		return "spider_error"
	case RawRequestScheduled:
		return "request_scheduled"
	case RawRequestDropped:
		return "request_dropped"
	case RawResponseReceived:
		return "response_received"
	case RawResponseDownloaded:
		return "response_downloaded"
	case RawItemScraped:
		return "item_scraped"
	case RawItemDropped:
		return "item_dropped"
	case RawDownloaderEnqueued:
		return "downloader_enqueued"
	case RawDownloaderDequeued:
		return "downloader_dequeued"
	case RawStatsChanged:
		return "stats_changed"
	}
	return "unknown"
}

// Signal returns the bus.Signal an engine uses to emit this raw signal.
// Deferred signals let a listener (e.g. the export path) finish its work
// before the engine proceeds past the emission point.
func (s RawSignal) Signal() bus.Signal {
	switch s {
	case RawEngineStarted, RawEngineStopped,
		RawSpiderOpened, RawSpiderClosed,
		RawItemScraped, RawItemDropped:
		return bus.Signal{Name: s.String(), Deferred: true}
	default:
		return bus.Signal{Name: s.String()}
	}
}

// Spider describes the handler running inside an engine. Engines report a
// nil Spider until the handler has opened.
type Spider struct {
	CrawlID int64
	Domain  string
	Flags   []string
}

// Item is the payload of RawItemScraped: one extracted page.
type Item struct {
	URL       string
	Title     string
	Body      string
	Status    int
	FetchedAt time.Time
}

// CloseInfo is the payload of RawSpiderClosed.
type CloseInfo struct {
	Reason string
}

// RequestInfo identifies one in-flight request for diagnostics.
type RequestInfo struct {
	URL    string
	Method string
}

// SlotInfo is per-host downloader queue state, best-effort and live-only.
type SlotInfo struct {
	Key      string
	QueueLen int
	Active   []RequestInfo
}

// Downloads is the live downloader diagnostic snapshot.
type Downloads struct {
	Active []RequestInfo
	Slots  []SlotInfo
}

// Engine is one running crawl. Start must return promptly, with the crawl
// proceeding in the background; Stop initiates shutdown and is idempotent.
// Listeners must be attachable on Signals() before Start is called.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause()
	Unpause()
	Crawling() bool
	Spider() *Spider
	Signals() *bus.Bus
	Stats() *stats.Collector
	Downloads() Downloads
}

// Spec carries everything an engine factory needs to build one instance.
// Settings are already merged (base defaults overlaid with caller overrides).
type Spec struct {
	CrawlID  int64
	Seed     string
	Args     map[string]string
	Settings map[string]any
}

// Factory builds an engine for one crawl job.
type Factory func(spec Spec) (Engine, error)

// MergeSettings overlays overrides onto base; overrides win. Neither input is
// mutated.
func MergeSettings(base, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// SettingInt reads an integer setting, tolerating the numeric types that
// survive JSON and YAML decoding.
func SettingInt(settings map[string]any, key string, def int) int {
	switch v := settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
