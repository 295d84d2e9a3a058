package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jmcleod/caucase/ca"
	"github.com/jmcleod/caucase/internal/logging"
)

type metricValue struct {
	Value       float64
	LabelValues []string
}

// collector implements prometheus.Collector with values computed at
// scrape time.
type collector struct {
	desc        *prometheus.Desc
	valueType   prometheus.ValueType
	collectFunc func() []metricValue
}

func newGaugeCollector(opts prometheus.Opts, variableLabels []string, collectFunc func() []metricValue) *collector {
	fqname := prometheus.BuildFQName(opts.Namespace, opts.Subsystem, opts.Name)
	return &collector{
		desc:        prometheus.NewDesc(fqname, opts.Help, variableLabels, opts.ConstLabels),
		valueType:   prometheus.GaugeValue,
		collectFunc: collectFunc,
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, v := range c.collectFunc() {
		ch <- prometheus.MustNewConstMetric(c.desc, c.valueType, v.Value, v.LabelValues...)
	}
}

type metrics struct {
	requestDuration *prometheus.HistogramVec
	csrSubmitted    *prometheus.CounterVec
	issued          *prometheus.CounterVec
	renewed         *prometheus.CounterVec
	revoked         *prometheus.CounterVec
}

func newMetrics(registry prometheus.Registerer, authorities map[string]*ca.Authority) *metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caucase",
			Name:      name,
			Help:      help,
		}, []string{"authority"})
	}
	m := &metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "http",
			Name:      "request_duration_seconds",
			Help:      "A histogram of duration, in seconds, handling HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"method", "path", "status"}),
		csrSubmitted: counter("csr_submitted_total", "Certificate signing requests received."),
		issued:       counter("certificates_signed_total", "Certificates signed by an operator."),
		renewed:      counter("certificates_renewed_total", "Certificates renewed by their holder."),
		revoked:      counter("certificates_revoked_total", "Certificates revoked."),
	}
	registry.MustRegister(m.requestDuration, m.csrSubmitted, m.issued, m.renewed, m.revoked)
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	registry.MustRegister(newGaugeCollector(prometheus.Opts{
		Namespace: "caucase",
		Name:      "pending_csr",
		Help:      "The number of certificate signing requests waiting for an operator.",
	}, []string{"authority"}, func() []metricValue {
		values := make([]metricValue, 0, len(authorities))
		for name, a := range authorities {
			csrs, err := a.CertificateSigningRequests(context.Background())
			if err != nil {
				logging.Warnf("pending_csr %s: %v", name, err)
				continue
			}
			values = append(values, metricValue{Value: float64(len(csrs)), LabelValues: []string{name}})
		}
		return values
	}))

	registry.MustRegister(newGaugeCollector(prometheus.Opts{
		Namespace: "caucase",
		Name:      "ca_certificates",
		Help:      "The number of valid CA certificates.",
	}, []string{"authority"}, func() []metricValue {
		values := make([]metricValue, 0, len(authorities))
		for name, a := range authorities {
			cas, err := a.CACertificateList(context.Background())
			if err != nil {
				logging.Warnf("ca_certificates %s: %v", name, err)
				continue
			}
			values = append(values, metricValue{Value: float64(len(cas)), LabelValues: []string{name}})
		}
		return values
	}))

	return m
}

func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		m.requestDuration.With(prometheus.Labels{
			"method": r.Method,
			"path":   path,
			"status": strconv.Itoa(ww.Status()),
		}).Observe(time.Since(start).Seconds())
	})
}
