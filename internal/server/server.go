// Package server exposes a renderer's status and diagnostics over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gogpu/chartgpu"
	"github.com/gogpu/chartgpu/compat"
	"github.com/gogpu/chartgpu/internal/telemetry"
	"github.com/gogpu/chartgpu/recovery"
)

// Service is the renderer surface the API serves. *chartgpu.Manager
// implements it.
type Service interface {
	telemetry.Source

	CompatibilityReport() (compat.Report, bool)
	RunCompatibilityTest(ctx context.Context) (compat.Report, error)
	SwitchBackend(ctx context.Context, name string) (chartgpu.SwitchResult, error)
	Reinitialize(ctx context.Context) (chartgpu.InitResult, error)
	ErrorHistory() []recovery.Event
	Diagnostics() chartgpu.Dump
}

type statusOutput struct {
	Body chartgpu.Status
}

type reportOutput struct {
	Body compat.Report
}

type compatInput struct {
	Refresh bool `query:"refresh" doc:"Re-run detection and the compatibility suite."`
}

type errorsOutput struct {
	Body struct {
		Count  uint64           `json:"count"`
		Events []recovery.Event `json:"events"`
	}
}

type switchInput struct {
	Body struct {
		Backend string `json:"backend" minLength:"1" doc:"Registered backend name, e.g. software."`
	}
}

type switchOutput struct {
	Body chartgpu.SwitchResult
}

type initOutput struct {
	Body chartgpu.InitResult
}

type dumpOutput struct {
	Body chartgpu.Dump
}

type healthOutput struct {
	Body struct {
		Status string `json:"status"`
		State  string `json:"state"`
	}
}

// New returns the HTTP handler: the JSON API under /api/v1, /health and
// Prometheus metrics under /metrics.
func New(svc Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	router.Handle("/metrics", promhttp.HandlerFor(telemetry.NewRegistry(svc), promhttp.HandlerOpts{}))

	cfg := huma.DefaultConfig("chartgpu diagnostics API", chartgpu.Version)
	cfg.Components.Schemas = huma.NewMapRegistry("#/components/schemas/", schemaNamer)
	api := humachi.New(router, cfg)

	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			st := svc.Status().State
			out.Body.State = st.String()
			out.Body.Status = "ok"
			if !st.CanRender() {
				out.Body.Status = "unavailable"
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Renderer status", Tags: []string{"Renderer"}},
		func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: svc.Status()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-compatibility", Method: http.MethodGet, Path: "/api/v1/compatibility", Summary: "Compatibility report", Tags: []string{"Diagnostics"}},
		func(ctx context.Context, in *compatInput) (*reportOutput, error) {
			if !in.Refresh {
				if rep, ok := svc.CompatibilityReport(); ok {
					return &reportOutput{Body: rep}, nil
				}
			}
			rep, err := svc.RunCompatibilityTest(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &reportOutput{Body: rep}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "list-errors", Method: http.MethodGet, Path: "/api/v1/errors", Summary: "Recovery history", Tags: []string{"Diagnostics"}},
		func(ctx context.Context, _ *struct{}) (*errorsOutput, error) {
			out := &errorsOutput{}
			out.Body.Count = svc.Status().ErrorCount
			out.Body.Events = svc.ErrorHistory()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-diagnostics", Method: http.MethodGet, Path: "/api/v1/diagnostics", Summary: "Diagnostic dump", Tags: []string{"Diagnostics"}},
		func(ctx context.Context, _ *struct{}) (*dumpOutput, error) {
			return &dumpOutput{Body: svc.Diagnostics()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "switch-backend", Method: http.MethodPost, Path: "/api/v1/backend", Summary: "Switch the active backend", Tags: []string{"Renderer"}},
		func(ctx context.Context, in *switchInput) (*switchOutput, error) {
			res, err := svc.SwitchBackend(ctx, in.Body.Backend)
			if err != nil {
				return nil, mapErr(err)
			}
			logger.Info("backend switched over API", "from", res.Previous, "to", res.Backend)
			return &switchOutput{Body: res}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "reinitialize", Method: http.MethodPost, Path: "/api/v1/reinitialize", Summary: "Tear down and re-run backend selection", Tags: []string{"Renderer"}},
		func(ctx context.Context, _ *struct{}) (*initOutput, error) {
			res, err := svc.Reinitialize(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &initOutput{Body: res}, nil
		})

	return router
}

// schemaNamer prefixes schema names with their package so that
// capability.Result and recovery.Result do not collide.
func schemaNamer(t reflect.Type, hint string) string {
	name := huma.DefaultSchemaNamer(t, hint)
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array || t.Kind() == reflect.Map {
		t = t.Elem()
	}
	pkg := path.Base(t.PkgPath())
	if t.Name() == "" || pkg == "." || pkg == "chartgpu" {
		return name
	}
	return strings.ToUpper(pkg[:1]) + pkg[1:] + name
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chartgpu.ErrUnknownBackend):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, chartgpu.ErrNotInitialized):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, chartgpu.ErrCircuitOpen), errors.Is(err, chartgpu.ErrFailed), errors.Is(err, chartgpu.ErrNoBackend):
		return huma.Error503ServiceUnavailable(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
