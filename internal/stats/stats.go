// Package stats is the recovery engine's counter/timer sink.
//
// It holds a small set of named, additive counters and timers that every
// stage of the pipeline bumps as it runs (local_records, remote_records,
// iterated_keys, iterations, sort, diffs, recovered_keys, recovered_bytes,
// and one timer per stage), plus two things a
// long-running process benefits from that a one-shot script wouldn't: a
// per-range child sink (so a run over many ranges can report a breakdown,
// not just a grand total) and a Prometheus export so the diagnostics
// server can expose the same counters to a scraper.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink accumulates counters and timers. The zero value is not usable; call
// New. A Sink is safe for concurrent use by multiple goroutines, since
// several range workers share one top-level Sink via their own Range(name)
// child.
type Sink struct {
	mu       sync.Mutex
	counters map[string]int64
	timers   map[string]time.Duration
	children map[string]*Sink

	// name is empty for the root sink; a per-range child carries the
	// range's name so Text() can label its section.
	name string

	// parent is nil for the root sink. A child folds every counter and
	// timer update into its parent as it happens, so the root always
	// holds the run-wide total, not just whatever was charged directly
	// against it.
	parent *Sink

	reg    prometheus.Registerer
	promMu sync.Mutex
	promC  map[string]prometheus.Counter
}

// New returns a root Sink. reg may be nil, in which case counters are kept
// in memory only and no Prometheus metric is registered.
func New(reg prometheus.Registerer) *Sink {
	return &Sink{
		counters: make(map[string]int64),
		timers:   make(map[string]time.Duration),
		children: make(map[string]*Sink),
		reg:      reg,
		promC:    make(map[string]prometheus.Counter),
	}
}

// Counter adds delta to the named counter, and to the same counter on every
// ancestor up to the root. Negative deltas are allowed (recovered_keys and
// recovered_bytes are net figures and drop when writes fail).
func (s *Sink) Counter(name string, delta int64) {
	s.addCounter(name, delta)

	if s.reg != nil {
		s.promCounter(name).Add(float64(delta))
	}
}

func (s *Sink) addCounter(name string, delta int64) {
	s.mu.Lock()
	s.counters[name] += delta
	s.mu.Unlock()

	if s.parent != nil {
		s.parent.addCounter(name, delta)
	}
}

// Timer adds d to the named timer's accumulated duration, and to the same
// timer on every ancestor up to the root.
func (s *Sink) Timer(name string, d time.Duration) {
	s.mu.Lock()
	s.timers[name] += d
	s.mu.Unlock()

	if s.parent != nil {
		s.parent.Timer(name, d)
	}
}

// Time runs fn and records its wall-clock duration under name, returning
// whatever fn returns.
func (s *Sink) Time(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.Timer(name, time.Since(start))
	return err
}

// Range returns the child Sink scoped to the named range, creating it on
// first use. Updates to a child sink fold continuously into the parent's
// totals, since counters are additive and safe to update as the worker
// progresses rather than only once at the end.
func (s *Sink) Range(name string) *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.children[name]; ok {
		return c
	}
	c := New(s.reg)
	c.name = name
	c.parent = s
	s.children[name] = c
	return c
}

// Counters returns a snapshot copy of this sink's counters. Every child's
// updates are already folded in, so a root's snapshot is the run-wide
// total; call Range(name).Counters() for one range's share.
func (s *Sink) Counters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// Text renders a human-readable dump of this sink and, indented, every
// child range sink registered under it: a flat counter/timer listing per
// scope, ranges sorted by name for reproducible output.
func (s *Sink) Text() string {
	var b strings.Builder
	s.writeText(&b, "")
	return b.String()
}

func (s *Sink) writeText(b *strings.Builder, indent string) {
	s.mu.Lock()
	counterNames := make([]string, 0, len(s.counters))
	for k := range s.counters {
		counterNames = append(counterNames, k)
	}
	sort.Strings(counterNames)
	for _, k := range counterNames {
		fmt.Fprintf(b, "%s%s: %d\n", indent, k, s.counters[k])
	}

	timerNames := make([]string, 0, len(s.timers))
	for k := range s.timers {
		timerNames = append(timerNames, k)
	}
	sort.Strings(timerNames)
	for _, k := range timerNames {
		fmt.Fprintf(b, "%s%s_time: %s\n", indent, k, s.timers[k])
	}

	childNames := make([]string, 0, len(s.children))
	for k := range s.children {
		childNames = append(childNames, k)
	}
	sort.Strings(childNames)
	children := s.children
	s.mu.Unlock()

	for _, k := range childNames {
		fmt.Fprintf(b, "%srange %s:\n", indent, k)
		children[k].writeText(b, indent+"  ")
	}
}

// promCounter returns (creating and registering if needed) the Prometheus
// metric backing the named stat. Grounded on the plugin/kprom pattern of
// lazily wrapping a client's internal counters under one namespace. The
// metric is a gauge, held through the prometheus.Counter interface it
// satisfies, because sink counters take negative deltas and a Prometheus
// counter panics on one.
func (s *Sink) promCounter(name string) prometheus.Counter {
	s.promMu.Lock()
	defer s.promMu.Unlock()
	if c, ok := s.promC[name]; ok {
		return c
	}
	var c prometheus.Counter = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dc_recover",
		Name:      name,
		Help:      fmt.Sprintf("dc-recover %s counter", name),
	})
	if err := s.reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c = are.ExistingCollector.(prometheus.Counter)
		}
	}
	s.promC[name] = c
	return c
}
