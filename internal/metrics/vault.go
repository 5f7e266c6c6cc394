package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Métricas Prometheus del ciclo de vida de tokens. Paquete standalone para
// evitar ciclos de import entre vault y la capa HTTP.

var (
	CodeExchangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_code_exchanges_total",
		Help: "Canjes de authorization code por provider y resultado",
	}, []string{"provider", "result"}) // result: ok|rejected|unavailable|error

	TokenRefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_token_refreshes_total",
		Help: "Refrescos de access token por provider y resultado",
	}, []string{"provider", "result"}) // result: ok|invalid_grant|rejected|unavailable|error

	TokenRefreshDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oauth_token_refresh_duration_seconds",
		Help:    "Latencia del round trip de refresh contra el provider",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	StateFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_state_failures_total",
		Help: "Validaciones de state fallidas por causa",
	}, []string{"reason"}) // reason: not_found|mismatch

	CredentialsByKeyVersion = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_credentials_by_key_version",
		Help: "Credenciales almacenadas por versión de clave de cifrado",
	}, []string{"version"})

	RotationSweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_rotation_sweeps_total",
		Help: "Barridos de re-cifrado por resultado",
	}, []string{"result"}) // result: ok|partial|failed
)

// RegisterVault registra las métricas del vault en el registry dado
// (o el default si es nil). Ignora registros duplicados.
func RegisterVault(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		CodeExchangesTotal,
		TokenRefreshesTotal,
		TokenRefreshDuration,
		StateFailuresTotal,
		CredentialsByKeyVersion,
		RotationSweepsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// RecordCodeExchange registra el resultado de un canje de code.
func RecordCodeExchange(provider, result string) {
	CodeExchangesTotal.WithLabelValues(provider, result).Inc()
}

// RecordTokenRefresh registra el resultado y la latencia de un refresh.
func RecordTokenRefresh(provider, result string, duration time.Duration) {
	TokenRefreshesTotal.WithLabelValues(provider, result).Inc()
	TokenRefreshDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordStateFailure registra un state inválido por causa.
func RecordStateFailure(reason string) {
	StateFailuresTotal.WithLabelValues(reason).Inc()
}
