package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/stats"
)

// Fake is a scriptable Engine used by tests and by deployments with no real
// fetcher configured. Its lifecycle is driven explicitly: Start marks the
// engine crawling, Open reports the spider, EmitResponse/EmitItem simulate
// fetch activity, and Close finishes the crawl with a reason.
type Fake struct {
	// AutoOpen makes Start immediately open the spider, which is what every
	// caller outside lifecycle-focused tests wants. Set it to false before
	// Start to hold the engine in its starting state.
	AutoOpen bool

	mu        sync.Mutex
	spec      Spec
	signals   *bus.Bus
	collector *stats.Collector
	spider    *Spider
	crawling  bool
	closed    bool
}

// NewFake constructs a Fake for the given spec.
func NewFake(spec Spec) *Fake {
	f := &Fake{
		AutoOpen: true,
		spec:     spec,
		signals:  bus.New(zap.NewNop()),
	}
	f.collector = stats.New(stats.DefaultFlushInterval, func(cs stats.ChangeSet) {
		_ = f.signals.Send(context.Background(), RawStatsChanged.Signal(), cs)
	}, zap.NewNop())
	return f
}

// FakeFactory is an engine.Factory producing Fake instances.
func FakeFactory(spec Spec) (Engine, error) {
	return NewFake(spec), nil
}

// Start implements Engine.
func (f *Fake) Start(ctx context.Context) error {
	f.mu.Lock()
	f.crawling = true
	autoOpen := f.AutoOpen
	f.mu.Unlock()

	_ = f.signals.Send(ctx, RawEngineStarted.Signal(), nil)
	if autoOpen {
		f.Open()
	}
	return nil
}

// Open reports the spider as opened and starts the stats flush loop.
func (f *Fake) Open() {
	f.mu.Lock()
	if f.spider != nil {
		f.mu.Unlock()
		return
	}
	f.spider = &Spider{CrawlID: f.spec.CrawlID, Domain: f.spec.Seed}
	f.mu.Unlock()

	f.collector.Start()
	_ = f.signals.Send(context.Background(), RawSpiderOpened.Signal(), nil)
}

// EmitResponse simulates one fetched response.
func (f *Fake) EmitResponse(url string, status int, bytes int64) {
	f.collector.IncValue("downloader/response_count", 1)
	f.collector.IncValue("downloader/response_bytes", bytes)
	_ = f.signals.Send(context.Background(), RawResponseReceived.Signal(), RequestInfo{URL: url, Method: "GET"})
}

// EmitItem simulates one scraped page.
func (f *Fake) EmitItem(item Item) {
	f.collector.IncValue("item_scraped_count", 1)
	_ = f.signals.Send(context.Background(), RawItemScraped.Signal(), item)
}

// Tick emits one engine heartbeat.
func (f *Fake) Tick() {
	_ = f.signals.Send(context.Background(), RawEngineTick.Signal(), nil)
}

// Close finishes the crawl with the given reason. Subsequent calls are
// no-ops, so a stop request racing the natural finish converges on one
// terminal emission.
func (f *Fake) Close(reason string) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.crawling = false
	f.mu.Unlock()

	ctx := context.Background()
	_ = f.signals.Send(ctx, RawSpiderClosing.Signal(), nil)
	f.collector.Stop()
	_ = f.signals.Send(ctx, RawSpiderClosed.Signal(), CloseInfo{Reason: reason})
	_ = f.signals.Send(ctx, RawEngineStopped.Signal(), nil)
}

// Stop implements Engine. The close reason matches what a crawl interrupted
// by shutdown reports.
func (f *Fake) Stop(context.Context) error {
	f.mu.Lock()
	started := f.crawling || f.closed
	f.mu.Unlock()
	if !started {
		return nil
	}
	f.Close("shutdown")
	return nil
}

// Pause implements Engine.
func (f *Fake) Pause() {
	_ = f.signals.Send(context.Background(), RawEnginePaused.Signal(), nil)
}

// Unpause implements Engine.
func (f *Fake) Unpause() {
	_ = f.signals.Send(context.Background(), RawEngineResumed.Signal(), nil)
}

// Crawling implements Engine.
func (f *Fake) Crawling() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.crawling
}

// Spider implements Engine.
func (f *Fake) Spider() *Spider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spider
}

// Signals implements Engine.
func (f *Fake) Signals() *bus.Bus {
	return f.signals
}

// Stats implements Engine.
func (f *Fake) Stats() *stats.Collector {
	return f.collector
}

// Downloads implements Engine.
func (f *Fake) Downloads() Downloads {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spider == nil {
		return Downloads{}
	}
	return Downloads{
		Slots: []SlotInfo{{Key: f.spider.Domain}},
	}
}

var _ Engine = (*Fake)(nil)
