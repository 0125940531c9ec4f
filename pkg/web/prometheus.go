package web

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// metricsHandler exposes the daemon's own metrics in the Prometheus text format.
func metricsHandler(gatherer prometheus.Gatherer, logger logrus.FieldLogger) http.HandlerFunc {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:      logger,
		ErrorHandling: promhttp.ContinueOnError,
	}).ServeHTTP
}
