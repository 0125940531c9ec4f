package web

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/statsdaemon"
)

type healthChecker struct {
	logger logrus.FieldLogger
	health *statsdaemon.Health
}

// healthCheck reports if the server is in rotation, as set from the management console.
func (hc *healthChecker) healthCheck(resp http.ResponseWriter, req *http.Request) {
	status := hc.health.Get()
	resp.Header().Set("content-type", "application/json")
	if status == statsdaemon.HealthDown {
		resp.WriteHeader(http.StatusServiceUnavailable)
	} else {
		resp.WriteHeader(http.StatusOK)
	}

	enc := jsoniter.NewEncoder(resp)
	if err := enc.Encode(map[string]string{"health": status.String()}); err != nil {
		hc.logger.WithError(err).Debug("Failed to write healthcheck response")
	}
}
