package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "prekeys"

// Metrics holds the prekey directory collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	bundleRequests *prometheus.CounterVec
	bundleDevices  *prometheus.CounterVec
	exhausted      *prometheus.CounterVec
	uploaded       *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
}

// New returns a Metrics registered on a fresh Registry.
func New() *Metrics {
	self := &Metrics{
		Registry: prometheus.NewRegistry(),
		bundleRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bundle_requests_total",
				Help:      "Number of prekey bundle fetches",
			},
			[]string{"identity", "pq"},
		),
		bundleDevices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bundle_devices_total",
				Help:      "Number of devices included in fetched bundles",
			},
			[]string{"identity"},
		),
		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exhausted_total",
				Help:      "Number of bundle fetches that found no one time prekey",
			},
			[]string{"identity", "kind"},
		),
		uploaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploaded_total",
				Help:      "Number of uploaded prekeys",
			},
			[]string{"identity", "kind"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Number of requests rejected by a rate limiter",
			},
			[]string{"limiter"},
		),
	}
	self.Registry.MustRegister(
		self.bundleRequests,
		self.bundleDevices,
		self.exhausted,
		self.uploaded,
		self.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return self
}

func (self *Metrics) BundleRequest(identity string, pq bool, devices int) {
	if nil == self {
		return
	}
	self.bundleRequests.WithLabelValues(identity, strconv.FormatBool(pq)).Inc()
	self.bundleDevices.WithLabelValues(identity).Add(float64(devices))
}

// Exhausted counts a take that found no one time prekey of kind ("ec" or "kem").
func (self *Metrics) Exhausted(identity string, kind string) {
	if nil == self {
		return
	}
	self.exhausted.WithLabelValues(identity, kind).Inc()
}

func (self *Metrics) Uploaded(identity string, kind string, count int) {
	if nil == self || 0 == count {
		return
	}
	self.uploaded.WithLabelValues(identity, kind).Add(float64(count))
}

func (self *Metrics) RateLimited(limiter string) {
	if nil == self {
		return
	}
	self.rateLimited.WithLabelValues(limiter).Inc()
}

// Handler returns an http.Handler exposing the Registry.
func (self *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(self.Registry, promhttp.HandlerOpts{Registry: self.Registry})
}
