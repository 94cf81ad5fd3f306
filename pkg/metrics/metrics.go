// Metrics collection for the reprapd host
//
// Provides Prometheus-compatible counters and gauges in text exposition
// format. The scheduler and pipeline export their admission, dispatch
// and cancellation counts through a shared registry.
//
// Copyright (C) 2026  reprapd authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Labels represents metric labels as key-value pairs
type Labels map[string]string

func labelKey(l Labels) string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf(`%s=%q`, k, l[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Counter is a monotonically increasing value
type Counter struct {
	value atomic.Int64
}

// Inc increments the counter by one
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current count
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down
type Gauge struct {
	value atomic.Int64
}

// Set sets the gauge value
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by one
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by one
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current value
func (g *Gauge) Value() int64 { return g.value.Load() }

type metricFamily struct {
	name     string
	help     string
	kind     string
	counters map[string]*Counter
	gauges   map[string]*Gauge
}

// Registry holds named metric families
type Registry struct {
	mu       sync.Mutex
	families map[string]*metricFamily
	order    []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*metricFamily)}
}

func (r *Registry) family(name, help, kind string) *metricFamily {
	f, ok := r.families[name]
	if !ok {
		f = &metricFamily{
			name:     name,
			help:     help,
			kind:     kind,
			counters: make(map[string]*Counter),
			gauges:   make(map[string]*Gauge),
		}
		r.families[name] = f
		r.order = append(r.order, name)
	}
	return f
}

// Counter returns the counter with the given name and labels, creating
// it on first use
func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.family(name, help, "counter")
	key := labelKey(labels)
	c, ok := f.counters[key]
	if !ok {
		c = &Counter{}
		f.counters[key] = c
	}
	return c
}

// Gauge returns the gauge with the given name and labels, creating it
// on first use
func (r *Registry) Gauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.family(name, help, "gauge")
	key := labelKey(labels)
	g, ok := f.gauges[key]
	if !ok {
		g = &Gauge{}
		f.gauges[key] = g
	}
	return g
}

// Render writes all metrics in Prometheus text exposition format
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sb strings.Builder
	for _, name := range r.order {
		f := r.families[name]
		fmt.Fprintf(&sb, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(&sb, "# TYPE %s %s\n", f.name, f.kind)

		keys := make([]string, 0, len(f.counters)+len(f.gauges))
		for k := range f.counters {
			keys = append(keys, k)
		}
		for k := range f.gauges {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if c, ok := f.counters[k]; ok {
				fmt.Fprintf(&sb, "%s%s %d\n", f.name, k, c.Value())
			} else {
				fmt.Fprintf(&sb, "%s%s %d\n", f.name, k, f.gauges[k].Value())
			}
		}
	}
	return sb.String()
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry
func Default() *Registry { return defaultRegistry }
