// Package metrics provides the auxiliary Prometheus and pprof
// listeners.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rolegate/rolegate/pkg/config"
)

// Service serves metrics over an auxiliary HTTP listener.
type Service struct {
	srv         *http.Server
	config      config.BasicService
	log         *zap.Logger
	serviceType string
}

// NewService configures a metrics service of the given type.
func NewService(name string, handler http.Handler, cfg config.BasicService, log *zap.Logger) *Service {
	return &Service{
		srv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		config:      cfg,
		serviceType: name,
		log:         log.With(zap.String("service", name)),
	}
}

// Start runs the service on the configured address. It does not return
// until the listener stops.
func (ms *Service) Start() {
	if ms == nil || !ms.config.Enabled {
		return
	}
	ms.log.Info("service is running", zap.String("endpoint", ms.srv.Addr))
	err := ms.srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		ms.log.Error("service failed", zap.Error(err))
	}
}

// ShutDown stops the service.
func (ms *Service) ShutDown() {
	if ms == nil || !ms.config.Enabled {
		return
	}
	ms.log.Info("shutting down service", zap.String("endpoint", ms.srv.Addr))
	if err := ms.srv.Shutdown(context.Background()); err != nil {
		ms.log.Error("can't shut service down", zap.Error(err))
	}
}
