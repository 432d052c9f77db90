package common

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// ServeMetrics starts a prometheus scrape endpoint on /metrics and returns a
// function that shuts it down.
func ServeMetrics(port uint16) (shutdown func()) {
	return ServeHttp(port, promhttp.Handler(), "/metrics")
}

// ServeHttp starts a http server for the given handler and returns a function
// that shuts it down.
func ServeHttp(port uint16, handler http.Handler, pattern string) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle(pattern, handler)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Infof("Starting http server listening on %d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Http server on %d failed: %v", port, err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Infof("Stopping http server listening on %d", port)
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("Failed to shut down http server on %d: %v", port, err)
		}
	}
}
