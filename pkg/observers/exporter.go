package observers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultReadHeaderTimeout = 10 * time.Second

// Exporter serves /metrics and /health for the process.
type Exporter struct {
	addr     string
	registry *prometheus.Registry

	mu     sync.Mutex
	server *http.Server
}

// NewExporter registers obs plus the Go runtime and process collectors.
func NewExporter(addr string, obs *PrometheusObserver) (*Exporter, error) {
	reg := prometheus.NewRegistry()
	list := append(obs.Collectors(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range list {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return &Exporter{addr: addr, registry: reg}, nil
}

func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (e *Exporter) Start() error {
	e.mu.Lock()
	if e.server != nil {
		e.mu.Unlock()
		return nil
	}
	e.server = &http.Server{
		Addr:              e.addr,
		Handler:           e.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	srv := e.server
	e.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	srv := e.server
	e.server = nil
	e.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
