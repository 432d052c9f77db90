package scanalign

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/scanalign/scanalign/internal/admission"
	"github.com/scanalign/scanalign/internal/common"
	"github.com/scanalign/scanalign/internal/common/health"
	"github.com/scanalign/scanalign/internal/monitor"
	"github.com/scanalign/scanalign/internal/pipeline"
	"github.com/scanalign/scanalign/internal/scanalign/configuration"
	"github.com/scanalign/scanalign/internal/vision"
)

// App holds the running components of one scanalign process.
type App struct {
	Service *Service
	Queue   *admission.Queue
	Monitor *monitor.ResourceMonitor

	sampleInterval time.Duration
	shutdowns      []func()
}

// StartUp wires the process together: resource monitor, admission queue,
// pipeline facade over the given vision engine, metrics and the health and
// status endpoints. Call Run to block until the context is cancelled.
func StartUp(config configuration.ScanalignConfig, engine vision.Engine) (*App, error) {
	resourceMonitor := monitor.New(uint64(config.Monitor.MemoryCeiling))
	if config.Monitor.SampleInterval > 0 {
		resourceMonitor.MaxSampleAge = config.Monitor.SampleInterval
	}

	queue := admission.NewQueue(config.Admission, resourceMonitor)
	facade := pipeline.NewFacade(engine, config.Pipeline)
	service := NewService(queue, facade)

	monitor.ExposeMemoryMetrics(resourceMonitor)
	admission.ExposeQueueMetrics(queue)

	app := &App{
		Service:        service,
		Queue:          queue,
		Monitor:        resourceMonitor,
		sampleInterval: resourceMonitor.MaxSampleAge,
	}

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	app.shutdowns = append(app.shutdowns, shutdownMetricServer)

	startupComplete := health.NewStartupCompleteChecker()
	mux := http.NewServeMux()
	health.SetupHttpMux(mux, health.NewMultiChecker(startupComplete))
	mux.Handle("/status", NewStatusHandler(queue, resourceMonitor))
	shutdownHttpServer := common.ServeHttp(config.HttpPort, mux, "/")
	app.shutdowns = append(app.shutdowns, shutdownHttpServer)

	startupComplete.MarkComplete()
	log.WithField("httpPort", config.HttpPort).
		WithField("metricsPort", config.MetricsPort).
		WithField("maxConcurrency", queue.Status().MaxConcurrency).
		Info("Scanalign started")
	return app, nil
}

// Run keeps the memory sample warm in the background and blocks until ctx is
// cancelled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(a.sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := a.Monitor.Sample(); err != nil {
					log.WithError(err).Warn("Background memory sampling failed")
				}
			}
		}
	})
	err := g.Wait()
	a.Shutdown()
	return err
}

// Shutdown closes the queue and stops the servers. Idempotent.
func (a *App) Shutdown() {
	a.Queue.Close()
	for _, shutdown := range a.shutdowns {
		shutdown()
	}
	a.shutdowns = nil
}
