package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Sample is a single gauge observation with optional labels.
type Sample struct {
	Labels map[string]string
	Value  float64
}

type gaugeSource struct {
	name string
	help string
	fn   func() []Sample
}

type gaugeRegistry struct {
	mu      sync.RWMutex
	sources []gaugeSource
}

var gauges = &gaugeRegistry{}

// RegisterGauge registers a callback evaluated on every scrape. The callback
// returns one sample per label combination; a single unlabeled sample is the
// common case. Re-registering a name replaces the previous callback.
func RegisterGauge(name, help string, fn func() []Sample) {
	if name == "" || fn == nil {
		return
	}
	gauges.mu.Lock()
	defer gauges.mu.Unlock()
	for i := range gauges.sources {
		if gauges.sources[i].name == name {
			gauges.sources[i] = gaugeSource{name: name, help: help, fn: fn}
			return
		}
	}
	gauges.sources = append(gauges.sources, gaugeSource{name: name, help: help, fn: fn})
	sort.Slice(gauges.sources, func(i, j int) bool { return gauges.sources[i].name < gauges.sources[j].name })
}

func (g *gaugeRegistry) render() string {
	g.mu.RLock()
	sources := make([]gaugeSource, len(g.sources))
	copy(sources, g.sources)
	g.mu.RUnlock()

	var builder strings.Builder
	for _, src := range sources {
		samples := src.fn()
		if len(samples) == 0 {
			continue
		}
		builder.WriteString(fmt.Sprintf("# HELP %s %s\n", src.name, src.help))
		builder.WriteString(fmt.Sprintf("# TYPE %s gauge\n", src.name))
		for _, sample := range samples {
			builder.WriteString(src.name)
			builder.WriteString(renderLabels(sample.Labels))
			builder.WriteString(" ")
			builder.WriteString(formatFloat(sample.Value))
			builder.WriteString("\n")
		}
	}
	return builder.String()
}

func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", k, escape(labels[k])))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
