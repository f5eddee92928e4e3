// Package metrics includes an api.PatchListener that counts patches with Prometheus counters.
package metrics

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tetratelabs/nativepatch/api"
)

const (
	namespace = "nativepatch"
	opLabel   = "op"
)

// Listener is an api.PatchListener counting patches and patched bytes per api.PatchOp.
type Listener struct {
	patches      *prometheus.CounterVec
	patchedBytes *prometheus.CounterVec
}

// NewMetricsListener returns a Listener whose counters are registered with reg.
func NewMetricsListener(reg prometheus.Registerer) (*Listener, error) {
	l := &Listener{
		patches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patch_total",
				Help:      "Number of patches applied to code memory.",
			}, []string{opLabel}),
		patchedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patched_bytes_total",
				Help:      "Number of bytes in the ranges covered by patches.",
			}, []string{opLabel}),
	}
	for _, c := range []prometheus.Collector{l.patches, l.patchedBytes} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register patch metrics")
		}
	}
	return l, nil
}

// OnPatch implements api.PatchListener.
func (l *Listener) OnPatch(ev api.PatchEvent) {
	op := ev.Op.String()
	l.patches.WithLabelValues(op).Inc()
	l.patchedBytes.WithLabelValues(op).Add(float64(len(ev.New)))
}
