// Package metrics summarizes litesync's Prometheus collectors, as gathered
// from a registry, for presentation by command-line tools.
package metrics

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Prefix of all litesync metric names.
const Prefix = "litesync_"

// Sample is a single gathered metric value.
type Sample struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
	// Value of a counter or gauge, or the sum of a histogram's observations.
	Value float64 `yaml:"value"`
	// Count of a histogram's observations. Zero for counters and gauges.
	Count uint64 `yaml:"count,omitempty"`
}

// LabelString returns the Sample's labels as "name=value" pairs, ordered on name.
func (s Sample) LabelString() string {
	var names = make([]string, 0, len(s.Labels))
	for n := range s.Labels {
		names = append(names, n)
	}
	sort.Strings(names)

	var parts = make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + s.Labels[n]
	}
	return strings.Join(parts, ",")
}

// Snapshot gathers metric families of the Gatherer having |prefix|, and
// returns their counter, gauge and histogram Samples ordered on name and
// labels. Other metric types are skipped.
func Snapshot(g prometheus.Gatherer, prefix string) ([]Sample, error) {
	var families, err = g.Gather()
	if err != nil {
		return nil, errors.WithMessage(err, "gathering metrics")
	}

	var out []Sample
	for _, fam := range families {
		if !strings.HasPrefix(fam.GetName(), prefix) {
			continue
		}
		for _, m := range fam.GetMetric() {
			var s = Sample{Name: fam.GetName()}

			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				s.Value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				s.Value = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				s.Value = m.GetHistogram().GetSampleSum()
				s.Count = m.GetHistogram().GetSampleCount()
			default:
				continue
			}
			if len(m.GetLabel()) != 0 {
				s.Labels = make(map[string]string, len(m.GetLabel()))
				for _, lp := range m.GetLabel() {
					s.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].LabelString() < out[j].LabelString()
	})
	return out, nil
}
