package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterGaugeFunc exposes a value computed on scrape, e.g. slot pool usage.
func RegisterGaugeFunc(namespace, name, help string, fn func() float64) {
	registerOnce(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
