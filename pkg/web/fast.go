package web

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/taskforge-io/taskforge/pkg/core"
	obs "github.com/taskforge-io/taskforge/pkg/observability/prometheus"
)

// FastInspector is the fasthttp flavor of the inspector, for deployments
// that already standardize on fasthttp. It serves /stats and /metrics; the
// websocket stream is only available on the net/http Inspector.
type FastInspector struct {
	source  StatsSource
	addr    string
	metrics fasthttp.RequestHandler
	logger  core.Logger
	server  *fasthttp.Server
}

// NewFastInspector creates a fasthttp inspector for the given pool.
func NewFastInspector(source StatsSource, addr string, metrics *obs.Metrics, logger core.Logger) (*FastInspector, error) {
	if source == nil {
		return nil, fmt.Errorf("stats source cannot be nil")
	}
	if addr == "" {
		return nil, fmt.Errorf("addr cannot be empty")
	}
	if logger == nil {
		logger = core.NewNopLogger()
	}
	f := &FastInspector{source: source, addr: addr, logger: logger}
	if metrics != nil {
		f.metrics = fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return f, nil
}

// Handler routes inspector requests.
func (f *FastInspector) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/stats":
			f.handleStats(ctx)
		case "/metrics":
			if f.metrics == nil {
				ctx.Error("metrics not configured", fasthttp.StatusNotFound)
				return
			}
			f.metrics(ctx)
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}
}

// Start begins listening on the configured address.
func (f *FastInspector) Start() {
	f.server = &fasthttp.Server{
		Handler: f.Handler(),
		Name:    "taskforge-inspector",
	}
	go func() {
		if err := f.server.ListenAndServe(f.addr); err != nil {
			f.logger.Errorf("inspector server: %v", err)
		}
	}()
	f.logger.Infof("inspector listening on %s", f.addr)
}

// Stop shuts the server down gracefully.
func (f *FastInspector) Stop(ctx context.Context) error {
	if f.server == nil {
		return nil
	}
	return f.server.ShutdownWithContext(ctx)
}

func (f *FastInspector) handleStats(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	data, err := core.JSONEncode(f.source.Stats())
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
