package web

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/pkg/util"
)

// HttpServer serves /healthcheck and /metrics, plus the optional profiling and expvar routes.
type HttpServer struct {
	logger  logrus.FieldLogger
	address string
	Router  *mux.Router // exported for tests
}

type route struct {
	path    string
	handler http.HandlerFunc
	method  string
	name    string
}

var done = struct{}{}

// NewHttpServerFromViper returns nil if no web address is configured.
func NewHttpServerFromViper(v *viper.Viper, logger logrus.FieldLogger, health *statsdaemon.Health, gatherer prometheus.Gatherer) (*HttpServer, error) {
	address := v.GetString(statsdaemon.ParamWebAddr)
	if address == "" {
		return nil, nil
	}
	vSub := util.GetSubViper(v, "web")
	vSub.SetDefault("enable-prof", false)
	vSub.SetDefault("enable-expvar", false)

	return NewHttpServer(
		logger.WithField("component", "web"),
		health,
		gatherer,
		address,
		vSub.GetBool("enable-prof"),
		vSub.GetBool("enable-expvar"),
	)
}

// NewHttpServer creates a server for address. Health and gatherer are required.
func NewHttpServer(
	logger logrus.FieldLogger,
	health *statsdaemon.Health,
	gatherer prometheus.Gatherer,
	address string,
	enableProf,
	enableExpVar bool,
) (*HttpServer, error) {
	if health == nil || gatherer == nil {
		return nil, fmt.Errorf("health and gatherer are required")
	}

	server := &HttpServer{
		logger:  logger,
		address: address,
	}

	hc := &healthChecker{logger: logger, health: health}
	routes := []route{
		{path: "/healthcheck", handler: hc.healthCheck, method: "GET", name: "healthcheck_get"},
		{path: "/metrics", handler: metricsHandler(gatherer, logger), method: "GET", name: "metrics_get"},
	}

	if enableProf {
		profiler := &traceProfiler{}
		routes = append(routes,
			route{path: "/memprof", handler: profiler.MemProf, method: "POST", name: "profmem_post"},
			route{path: "/pprof", handler: profiler.PProf, method: "POST", name: "profpprof_post"},
			route{path: "/trace", handler: profiler.Trace, method: "POST", name: "proftrace_post"},
		)
	}

	if enableExpVar {
		routes = append(routes,
			route{path: "/expvar", handler: expvar.Handler().ServeHTTP, method: "GET", name: "expvar_get"},
		)
	}

	router, err := createRoutes(routes)
	if err != nil {
		return nil, err
	}
	router.NotFoundHandler = server.logRequest(http.HandlerFunc(server.notFound))
	router.Use(server.logRequest)
	server.Router = router

	logger.WithFields(logrus.Fields{
		"address":       address,
		"enable-pprof":  enableProf,
		"enable-expvar": enableExpVar,
	}).Info("Created server")

	return server, nil
}

func (hs *HttpServer) notFound(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("not found"))
}

func createRoutes(routes []route) (*mux.Router, error) {
	router := mux.NewRouter()

	for _, route := range routes {
		r := router.HandleFunc(route.path, route.handler).Methods(route.method).Name(route.name)
		if err := r.GetError(); err != nil {
			return nil, fmt.Errorf("error creating route %s: %v", route.name, err)
		}
	}

	return router, nil
}

func (hs *HttpServer) logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		srcIP := req.RemoteAddr
		if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			srcIP = host
		}
		logFields := logrus.Fields{
			"srcip": srcIP,
			"path":  req.URL.Path,
		}
		if route := mux.CurrentRoute(req); route == nil {
			logFields["method"] = req.Method
		} else {
			logFields["route"] = route.GetName()
		}
		if source := req.Header.Get("X-Forwarded-For"); source != "" {
			logFields["forwarded_for"] = strings.TrimSpace(strings.Split(source, ",")[0])
		}

		start := time.Now()
		handler.ServeHTTP(w, req)
		dur := time.Since(start)

		logFields["duration"] = float64(dur) / float64(time.Millisecond)
		hs.logger.WithFields(logFields).Debug("request")
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (hs *HttpServer) Run(ctx context.Context) {
	listener, err := net.Listen("tcp", hs.address)
	if err != nil {
		hs.logger.WithError(err).Error("web server failed to listen")
		return
	}
	hs.Serve(ctx, listener)
}

// Serve is Run on an existing listener, which is closed on return.
func (hs *HttpServer) Serve(ctx context.Context, listener net.Listener) {
	server := &http.Server{
		Handler: hs.Router,
	}

	chStopped := make(chan struct{}, 1)
	go hs.waitAndStop(ctx, server, chStopped)

	hs.logger.WithField("address", listener.Addr().String()).Info("listening")

	err := server.Serve(listener)
	if err != http.ErrServerClosed {
		hs.logger.WithError(err).Error("web server failed")
		return
	}

	// Wait for graceful shutdown of existing connections
	select {
	case <-chStopped:
	case <-time.After(6 * time.Second):
		hs.logger.Info("timeout waiting for webserver to stop")
	}
}

// waitAndStop will gracefully shut down the Server when the Context passed is cancelled.  It signals
// on chStopped when it is done.  There is no guarantee that it will actually signal, if the server
// does not shutdown.
func (hs *HttpServer) waitAndStop(ctx context.Context, server *http.Server, chStopped chan<- struct{}) {
	<-ctx.Done()

	hs.logger.Info("shutting down web server")
	timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(timeoutCtx)
	if err != nil {
		hs.logger.WithError(err).Warn("failed to stop web server")
	}
	chStopped <- done
}
