package amqplink

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics exposes link-management counters. A nil *Metrics records nothing.
type Metrics struct {
	linkOpens       *prometheus.CounterVec
	linkRecreations *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	creditIssued    prometheus.Counter
	pingCredit      prometheus.Counter
	inFlight        prometheus.Gauge
	pendingReceives prometheus.Gauge
	retryBackoff    prometheus.Histogram
	connectionOpens *prometheus.CounterVec
	tokenRenewals   *prometheus.CounterVec
	handlerFailures prometheus.Counter
}

// NewMetrics creates unregistered collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "amqplink"
	}
	return &Metrics{
		linkOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_opens_total",
			Help:      "Link open attempts by kind and result.",
		}, []string{"kind", "result"}),
		linkRecreations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_recreations_total",
			Help:      "Link recreations scheduled by the retry policy.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Terminal send outcomes.",
		}, []string{"outcome"}),
		creditIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_issued_total",
			Help:      "Link credit issued to receive links.",
		}),
		pingCredit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ping_credit_issued_total",
			Help:      "Liveness credit issued to idle receive links.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deliveries_in_flight",
			Help:      "Deliveries awaiting a terminal outcome.",
		}),
		pendingReceives: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_receives",
			Help:      "Receive requests waiting for messages.",
		}),
		retryBackoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_backoff_seconds",
			Help:      "Backoff chosen before a recreation attempt.",
			Buckets:   []float64{0, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		connectionOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_opens_total",
			Help:      "Connection open attempts by result.",
		}, []string{"result"}),
		tokenRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_renewals_total",
			Help:      "Authorization token puts by result.",
		}, []string{"result"}),
		handlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_handler_failures_total",
			Help:      "Receive handler calls that returned an error or panicked.",
		}),
	}
}

// Register registers every collector with registerer.
func (metrics *Metrics) Register(registerer prometheus.Registerer) error {
	if metrics == nil || registerer == nil {
		return nil
	}
	var err error
	for _, collector := range metrics.collectors() {
		err = multierr.Append(err, registerer.Register(collector))
	}
	return err
}

func (metrics *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		metrics.linkOpens,
		metrics.linkRecreations,
		metrics.deliveries,
		metrics.creditIssued,
		metrics.pingCredit,
		metrics.inFlight,
		metrics.pendingReceives,
		metrics.retryBackoff,
		metrics.connectionOpens,
		metrics.tokenRenewals,
		metrics.handlerFailures,
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}

func (metrics *Metrics) linkOpened(kind string, err error) {
	if metrics == nil {
		return
	}
	metrics.linkOpens.WithLabelValues(kind, resultLabel(err)).Inc()
}

func (metrics *Metrics) recreationScheduled(kind string, backoffSeconds float64) {
	if metrics == nil {
		return
	}
	metrics.linkRecreations.WithLabelValues(kind).Inc()
	metrics.retryBackoff.Observe(backoffSeconds)
}

func (metrics *Metrics) deliveryCompleted(err error) {
	if metrics == nil {
		return
	}
	outcome := "accepted"
	if err != nil {
		outcome = errorName(Classify(err).Code)
	}
	metrics.deliveries.WithLabelValues(outcome).Inc()
}

func (metrics *Metrics) creditGranted(credit uint32, ping bool) {
	if metrics == nil || credit == 0 {
		return
	}
	if ping {
		metrics.pingCredit.Add(float64(credit))
		return
	}
	metrics.creditIssued.Add(float64(credit))
}

func (metrics *Metrics) addInFlight(delta int) {
	if metrics == nil {
		return
	}
	metrics.inFlight.Add(float64(delta))
}

func (metrics *Metrics) addPendingReceives(delta int) {
	if metrics == nil {
		return
	}
	metrics.pendingReceives.Add(float64(delta))
}

func (metrics *Metrics) connectionOpened(err error) {
	if metrics == nil {
		return
	}
	metrics.connectionOpens.WithLabelValues(resultLabel(err)).Inc()
}

func (metrics *Metrics) tokenRenewed(err error) {
	if metrics == nil {
		return
	}
	metrics.tokenRenewals.WithLabelValues(resultLabel(err)).Inc()
}

func (metrics *Metrics) handlerFailed() {
	if metrics == nil {
		return
	}
	metrics.handlerFailures.Inc()
}
