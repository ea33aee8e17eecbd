package jobs

import (
	"context"

	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/engine"
	"github.com/crawlmux/crawlmux/internal/metrics"
	"github.com/crawlmux/crawlmux/internal/stats"
)

// forwarder re-publishes one engine's raw signals onto the process bus as
// aggregated signals, tagging every payload with the owning job. One
// forwarder is wired per job, before the engine starts.
type forwarder struct {
	registry *Registry
	jobID    int64
}

func (f *forwarder) OnSignal(ctx context.Context, sig bus.Signal, payload any) error {
	raw, ok := rawByName(sig.Name)
	if !ok {
		return nil
	}
	job := f.registry.refOf(f.jobID)
	metrics.SignalForwarded(sig.Name)

	if raw == engine.RawStatsChanged {
		changes, _ := payload.(stats.ChangeSet)
		return f.registry.cfg.Bus.Send(ctx, SigStatsChanged, StatsEvent{
			Job:     job,
			Changes: changes,
		})
	}
	return f.registry.cfg.Bus.Send(ctx, Aggregated(raw), Event{
		Job:  job,
		Raw:  raw,
		Data: payload,
	})
}

// rawByName maps an engine signal name back to its enum value.
func rawByName(name string) (engine.RawSignal, bool) {
	for _, raw := range engine.AllRawSignals {
		if raw.String() == name {
			return raw, true
		}
	}
	return 0, false
}
