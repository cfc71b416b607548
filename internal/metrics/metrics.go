// Package metrics holds the Prometheus collectors shared by the tile core.
//
// Collectors are package-level so that hot paths can increment them without
// plumbing; they only become visible once Register has been called on a
// registry that is served over HTTP.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "omerotiles"

var (
	// PlaneReads counts raw plane reads by outcome: ok, retried, failed.
	PlaneReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "plane_reads_total",
		Help:      "Raw plane reads against the image store.",
	}, []string{"result"})

	// CacheRequests counts cache lookups by cache (plane, encoded) and result (hit, miss).
	CacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_requests_total",
		Help:      "Tile cache lookups.",
	}, []string{"cache", "result"})

	// PartitionProbes counts remote partition existence probes.
	PartitionProbes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "partition_probes_total",
		Help:      "Remote probes issued while locating entities.",
	})

	// Calibrations counts intensity calibration passes by result.
	Calibrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calibrations_total",
		Help:      "Coarse-level min/max calibration passes.",
	}, []string{"result"})

	// Reconnects counts session (re)establishments.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_connects_total",
		Help:      "Sessions established against the image store.",
	})

	// OpenReaders tracks live pyramid readers.
	OpenReaders = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_readers",
		Help:      "Pyramid readers currently holding a pixel store.",
	})
)

// Register adds every collector to reg. Collectors already registered on reg
// are accepted.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{PlaneReads, CacheRequests, PartitionProbes, Calibrations, Reconnects, OpenReaders} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
