package stream

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// Stats counts relay activity per upstream provider. It is safe for
// concurrent use by every in-flight relay.
type Stats struct {
	providers *xsync.Map[string, *providerCounters]
}

type providerCounters struct {
	streams     *xsync.Counter
	passthrough *xsync.Counter
	frames      *xsync.Counter
	deltas      *xsync.Counter
	skipped     *xsync.Counter
	truncated   *xsync.Counter
	aborted     *xsync.Counter
}

// ProviderStats is a snapshot for one provider.
type ProviderStats struct {
	Streams     int64 `json:"streams"`
	Passthrough int64 `json:"passthrough"`
	Frames      int64 `json:"frames"`
	Deltas      int64 `json:"deltas"`
	Skipped     int64 `json:"skipped"`
	Truncated   int64 `json:"truncated"`
	Aborted     int64 `json:"aborted"`
}

func NewStats() *Stats {
	return &Stats{providers: xsync.NewMap[string, *providerCounters]()}
}

func (s *Stats) counters(provider string) *providerCounters {
	counters, _ := s.providers.LoadOrCompute(provider, func() (*providerCounters, bool) {
		return &providerCounters{
			streams:     xsync.NewCounter(),
			passthrough: xsync.NewCounter(),
			frames:      xsync.NewCounter(),
			deltas:      xsync.NewCounter(),
			skipped:     xsync.NewCounter(),
			truncated:   xsync.NewCounter(),
			aborted:     xsync.NewCounter(),
		}, false
	})
	return counters
}

// record folds a finished relay into the totals.
func (s *Stats) record(provider string, passthrough bool, acc *Accumulator, aborted bool) {
	if s == nil || acc == nil {
		return
	}
	c := s.counters(provider)
	c.streams.Inc()
	if passthrough {
		c.passthrough.Inc()
	}
	c.frames.Add(int64(acc.Frames))
	c.deltas.Add(int64(acc.Deltas))
	c.skipped.Add(int64(acc.Skipped))
	switch {
	case aborted:
		c.aborted.Inc()
	case !acc.Done:
		c.truncated.Inc()
	}
}

func (s *Stats) Snapshot() map[string]ProviderStats {
	out := make(map[string]ProviderStats)
	if s == nil {
		return out
	}
	s.providers.Range(func(name string, c *providerCounters) bool {
		out[name] = ProviderStats{
			Streams:     c.streams.Value(),
			Passthrough: c.passthrough.Value(),
			Frames:      c.frames.Value(),
			Deltas:      c.deltas.Value(),
			Skipped:     c.skipped.Value(),
			Truncated:   c.truncated.Value(),
			Aborted:     c.aborted.Value(),
		}
		return true
	})
	return out
}
