package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/cache"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/core"
)

// RouterDeps agrupa lo que el router necesita además de los handlers.
type RouterDeps struct {
	Connect *ConnectHandler
	Store   core.Store
	Cache   cache.Client
}

// NewRouter arma el chi.Mux con middlewares, health y métricas.
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(WithRequestID)
	r.Use(WithRecover)
	r.Use(WithAccessLog)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := d.Store.Ping(ctx); err != nil {
			WriteError(w, http.StatusServiceUnavailable, "storage_down", "")
			return
		}
		if d.Cache != nil {
			if err := d.Cache.Ping(ctx); err != nil {
				WriteError(w, http.StatusServiceUnavailable, "cache_down", "")
				return
			}
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	d.Connect.Register(r)
	return r
}

// Serve corre el server hasta que el contexto se cancele, con shutdown
// graceful de 10 segundos.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
