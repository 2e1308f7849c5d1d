package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/lightningnetwork/lnode/lncfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Exporter serves the metrics of a registry on /metrics.
type Exporter struct {
	cfg      lncfg.Prometheus
	gatherer prometheus.Gatherer

	started sync.Once
	stopped sync.Once

	server *http.Server
	wg     sync.WaitGroup
}

// NewExporter creates an exporter for the metrics gathered by gatherer.
func NewExporter(cfg lncfg.Prometheus,
	gatherer prometheus.Gatherer) *Exporter {

	return &Exporter{
		cfg:      cfg,
		gatherer: gatherer,
	}
}

// Start binds the listen address and starts serving. The returned address is
// the one actually bound, which differs from the configured one when the
// port is 0.
func (e *Exporter) Start() (net.Addr, error) {
	var (
		addr net.Addr
		err  error
	)
	e.started.Do(func() {
		var listener net.Listener
		listener, err = net.Listen("tcp", e.cfg.Listen)
		if err != nil {
			return
		}
		addr = listener.Addr()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			e.gatherer, promhttp.HandlerOpts{},
		))
		e.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		log.Infof("Prometheus exporter started on %v/metrics", addr)

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()

			err := e.server.Serve(listener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter failed: %v", err)
			}
		}()
	})

	return addr, err
}

// Stop shuts the server down.
func (e *Exporter) Stop() error {
	var err error
	e.stopped.Do(func() {
		if e.server == nil {
			return
		}

		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		err = e.server.Shutdown(ctx)
		e.wg.Wait()

		log.Info("Prometheus exporter stopped")
	})

	return err
}
