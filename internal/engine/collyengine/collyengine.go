// Package collyengine runs real crawls with the Colly library behind the
// engine interface. One collector per job, scoped to the seed's host.
package collyengine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/engine"
	"github.com/crawlmux/crawlmux/internal/stats"
)

// Engine settings honored from the merged settings map.
const (
	SettingMaxDepth    = "max_depth"
	SettingConcurrency = "concurrency"
	SettingDelayMS     = "delay_ms"
	SettingUserAgent   = "user_agent"
	SettingTickMS      = "tick_interval_ms"
)

const defaultUserAgent = "crawlmux/1.0"

// Engine is a Colly-backed engine.Engine.
type Engine struct {
	spec      engine.Spec
	logger    *zap.Logger
	signals   *bus.Bus
	collector *stats.Collector

	mu       sync.Mutex
	crawler  *colly.Collector
	spider   *engine.Spider
	crawling bool
	paused   bool
	closed   bool
	active   map[string]struct{}
	tickStop chan struct{}
}

// Factory builds Colly engines, for use as a registry default factory.
func Factory(logger *zap.Logger) engine.Factory {
	return func(spec engine.Spec) (engine.Engine, error) {
		return New(spec, logger)
	}
}

// New constructs an Engine for one crawl. The collector is built here so a
// malformed seed fails the start call, not the crawl goroutine.
func New(spec engine.Spec, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seed, err := url.Parse(spec.Seed)
	if err != nil || seed.Host == "" {
		return nil, fmt.Errorf("unusable seed %q: %w", spec.Seed, err)
	}

	e := &Engine{
		spec:    spec,
		logger:  logger.With(zap.Int64("job_id", spec.CrawlID)),
		signals: bus.New(logger),
		active:  make(map[string]struct{}),
	}
	e.collector = stats.New(stats.DefaultFlushInterval, func(cs stats.ChangeSet) {
		_ = e.signals.Send(context.Background(), engine.RawStatsChanged.Signal(), cs)
	}, logger)

	userAgent := defaultUserAgent
	if ua, ok := spec.Settings[SettingUserAgent].(string); ok && ua != "" {
		userAgent = ua
	}
	c := colly.NewCollector(
		colly.AllowedDomains(seed.Hostname()),
		colly.MaxDepth(engine.SettingInt(spec.Settings, SettingMaxDepth, 2)),
		colly.UserAgent(userAgent),
		colly.Async(true),
	)
	c.AllowURLRevisit = false
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: engine.SettingInt(spec.Settings, SettingConcurrency, 4),
		Delay:       time.Duration(engine.SettingInt(spec.Settings, SettingDelayMS, 0)) * time.Millisecond,
	}); err != nil {
		return nil, fmt.Errorf("collector limits: %w", err)
	}

	c.OnRequest(e.onRequest)
	c.OnResponse(e.onResponse)
	c.OnError(e.onError)
	c.OnHTML("title", func(el *colly.HTMLElement) {
		el.Request.Ctx.Put("title", el.Text)
	})
	c.OnHTML("a[href]", func(el *colly.HTMLElement) {
		if err := el.Request.Visit(el.Attr("href")); err != nil {
			e.collector.IncValue("scheduler/dropped", 1)
			_ = e.signals.Send(context.Background(), engine.RawRequestDropped.Signal(),
				engine.RequestInfo{URL: el.Request.AbsoluteURL(el.Attr("href")), Method: "GET"})
		}
	})
	c.OnScraped(e.onScraped)

	e.crawler = c
	return e, nil
}

// Start opens the spider and begins the crawl in a background goroutine,
// returning promptly.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.crawling || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.crawling = true
	e.spider = &engine.Spider{CrawlID: e.spec.CrawlID, Domain: e.spec.Seed}
	e.tickStop = make(chan struct{})
	e.mu.Unlock()

	_ = e.signals.Send(ctx, engine.RawEngineStarted.Signal(), nil)
	e.collector.Start()
	e.collector.SetValue("start_time", time.Now().UTC().Format(time.RFC3339))
	_ = e.signals.Send(ctx, engine.RawSpiderOpened.Signal(), nil)

	go e.tick(e.tickStop)
	go e.run()
	return nil
}

// tick emits the engine heartbeat until close stops it.
func (e *Engine) tick(stop <-chan struct{}) {
	interval := time.Duration(engine.SettingInt(e.spec.Settings, SettingTickMS, 1000)) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = e.signals.Send(context.Background(), engine.RawEngineTick.Signal(), nil)
		case <-stop:
			return
		}
	}
}

func (e *Engine) run() {
	if err := e.crawler.Visit(e.spec.Seed); err != nil {
		e.logger.Error("seed visit failed", zap.String("seed", e.spec.Seed), zap.Error(err))
	}
	e.crawler.Wait()
	_ = e.signals.Send(context.Background(), engine.RawSpiderIdle.Signal(), nil)
	e.close("finished")
}

// Stop interrupts the crawl. In-flight requests drain; new ones are aborted
// by the request hook once the engine leaves its crawling state.
func (e *Engine) Stop(context.Context) error {
	e.close("shutdown")
	return nil
}

func (e *Engine) close(reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.crawling = false
	stopTick := e.tickStop
	e.mu.Unlock()

	if stopTick != nil {
		close(stopTick)
	}

	ctx := context.Background()
	_ = e.signals.Send(ctx, engine.RawSpiderClosing.Signal(), nil)
	e.collector.Stop()
	_ = e.signals.Send(ctx, engine.RawSpiderClosed.Signal(), engine.CloseInfo{Reason: reason})
	_ = e.signals.Send(ctx, engine.RawEngineStopped.Signal(), nil)
}

// Pause stops new requests from being issued. Colly has no native suspend,
// so the request hook aborts while paused; already-issued requests complete.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	_ = e.signals.Send(context.Background(), engine.RawEnginePaused.Signal(), nil)
}

// Unpause resumes issuing requests.
func (e *Engine) Unpause() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	_ = e.signals.Send(context.Background(), engine.RawEngineResumed.Signal(), nil)
}

// Crawling implements engine.Engine.
func (e *Engine) Crawling() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.crawling
}

// Spider implements engine.Engine.
func (e *Engine) Spider() *engine.Spider {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spider
}

// Signals implements engine.Engine.
func (e *Engine) Signals() *bus.Bus { return e.signals }

// Stats implements engine.Engine.
func (e *Engine) Stats() *stats.Collector { return e.collector }

// Downloads implements engine.Engine.
func (e *Engine) Downloads() engine.Downloads {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.spider == nil {
		return engine.Downloads{}
	}
	slot := engine.SlotInfo{Key: e.spider.Domain}
	for u := range e.active {
		slot.Active = append(slot.Active, engine.RequestInfo{URL: u, Method: "GET"})
	}
	slot.QueueLen = len(slot.Active)
	return engine.Downloads{Active: slot.Active, Slots: []engine.SlotInfo{slot}}
}

func (e *Engine) onRequest(r *colly.Request) {
	e.mu.Lock()
	blocked := e.paused || e.closed
	if !blocked {
		e.active[r.URL.String()] = struct{}{}
	}
	e.mu.Unlock()

	if blocked {
		r.Abort()
		e.collector.IncValue("scheduler/dropped", 1)
		_ = e.signals.Send(context.Background(), engine.RawRequestDropped.Signal(),
			engine.RequestInfo{URL: r.URL.String(), Method: r.Method})
		return
	}
	e.collector.IncValue("scheduler/enqueued", 1)
	_ = e.signals.Send(context.Background(), engine.RawRequestScheduled.Signal(),
		engine.RequestInfo{URL: r.URL.String(), Method: r.Method})
	_ = e.signals.Send(context.Background(), engine.RawDownloaderEnqueued.Signal(), nil)
}

func (e *Engine) onResponse(r *colly.Response) {
	e.mu.Lock()
	delete(e.active, r.Request.URL.String())
	e.mu.Unlock()

	e.collector.IncValue("downloader/response_count", 1)
	e.collector.IncValue("downloader/response_bytes", int64(len(r.Body)))
	e.collector.IncValue(fmt.Sprintf("downloader/response_status_count/%d", r.StatusCode), 1)

	ctx := context.Background()
	info := engine.RequestInfo{URL: r.Request.URL.String(), Method: r.Request.Method}
	_ = e.signals.Send(ctx, engine.RawResponseDownloaded.Signal(), info)
	_ = e.signals.Send(ctx, engine.RawResponseReceived.Signal(), info)
	_ = e.signals.Send(ctx, engine.RawDownloaderDequeued.Signal(), nil)
}

func (e *Engine) onScraped(r *colly.Response) {
	if r.StatusCode != 200 || len(r.Body) == 0 {
		e.collector.IncValue("item_dropped_count", 1)
		_ = e.signals.Send(context.Background(), engine.RawItemDropped.Signal(),
			engine.Item{URL: r.Request.URL.String(), Status: r.StatusCode})
		return
	}
	item := engine.Item{
		URL:       r.Request.URL.String(),
		Title:     r.Ctx.Get("title"),
		Body:      string(r.Body),
		Status:    r.StatusCode,
		FetchedAt: time.Now().UTC(),
	}
	e.collector.IncValue("item_scraped_count", 1)
	_ = e.signals.Send(context.Background(), engine.RawItemScraped.Signal(), item)
}

func (e *Engine) onError(r *colly.Response, err error) {
	e.mu.Lock()
	delete(e.active, r.Request.URL.String())
	e.mu.Unlock()

	msg := "request failed"
	switch r.StatusCode {
	case 429:
		msg = "rate limited"
	case 403:
		msg = "forbidden"
	}
	e.logger.Warn(msg,
		zap.String("url", r.Request.URL.String()),
		zap.Int("status_code", r.StatusCode),
		zap.Error(err),
	)
	e.collector.IncValue("downloader/exception_count", 1)
	_ = e.signals.Send(context.Background(), engine.RawSpiderError.Signal(),
		engine.RequestInfo{URL: r.Request.URL.String(), Method: r.Request.Method})
}

var _ engine.Engine = (*Engine)(nil)
