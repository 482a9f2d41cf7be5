// Package metrics はゲートウェイのPrometheusメトリクスを定義する。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gateway"

// Metrics はゲートウェイが記録するコレクターの集合。
type Metrics struct {
	// Requests はプロキシしたリクエスト数。
	Requests *prometheus.CounterVec
	// RequestDuration はプロキシの所要時間。
	RequestDuration *prometheus.HistogramVec
	// AdmissionRejections はレート制限で拒否した数。
	AdmissionRejections *prometheus.CounterVec
	// AuthOutcomes は認証結果の数。
	AuthOutcomes *prometheus.CounterVec
	// AuthDuration は認証の所要時間。
	AuthDuration *prometheus.HistogramVec
	// UpstreamFailures は転送失敗の数。
	UpstreamFailures *prometheus.CounterVec
}

// New はコレクターを生成してregに登録する。
// regがnilの場合は登録しない。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Number of requests forwarded to internal services.",
		}, []string{"service", "method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_request_duration_seconds",
			Help:      "Time spent forwarding requests to internal services.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Number of requests rejected by the rate limiter.",
		}, []string{"class", "pool"}),
		AuthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_outcomes_total",
			Help:      "Identity resolution outcomes by source and code.",
		}, []string{"source", "code"}),
		AuthDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_duration_seconds",
			Help:      "Time spent resolving caller identity.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Transport failures talking to dependencies, by target and kind.",
		}, []string{"target", "kind"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Requests,
			m.RequestDuration,
			m.AdmissionRejections,
			m.AuthOutcomes,
			m.AuthDuration,
			m.UpstreamFailures,
		)
	}
	return m
}
