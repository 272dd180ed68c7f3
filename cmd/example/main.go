// Command example runs a dispatcher end to end: a pool of demo workers, a
// burst of tasks, Prometheus metrics and an HTTP inspector, with traces
// printed to stdout. Run it, watch the burst resolve, then poke
// http://localhost:9090/stats until Ctrl+C.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/taskforge-io/taskforge/pkg/config"
	"github.com/taskforge-io/taskforge/pkg/core"
	"github.com/taskforge-io/taskforge/pkg/future"
	obs "github.com/taskforge-io/taskforge/pkg/observability/prometheus"
	"github.com/taskforge-io/taskforge/pkg/pool"
	"github.com/taskforge-io/taskforge/pkg/transport"
	"github.com/taskforge-io/taskforge/pkg/transport/natsbus"
	"github.com/taskforge-io/taskforge/pkg/web"
)

func demoRunner() transport.RunnerFunc {
	return func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		switch taskType {
		case "hash":
			payload, _ := params["payload"].(string)
			sum := sha256.Sum256([]byte(payload))
			return hex.EncodeToString(sum[:]), nil
		case "primes":
			// Parameters arrive as JSON numbers.
			limit, _ := params["limit"].(float64)
			return countPrimes(int(limit)), nil
		case "sleep":
			ms, _ := params["ms"].(float64)
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return "slept", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			return nil, fmt.Errorf("unknown task type: %s", taskType)
		}
	}
}

func countPrimes(limit int) int {
	count := 0
	for n := 2; n < limit; n++ {
		prime := true
		for d := 2; d*d <= n; d++ {
			if n%d == 0 {
				prime = false
				break
			}
		}
		if prime {
			count++
		}
	}
	return count
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	logger := core.NewDefaultLogger()

	cfg := config.Default()
	if *configPath != "" {
		if err := config.LoadWithEnv(*configPath, "", &cfg); err != nil {
			return err
		}
	} else if err := config.ApplyEnvOverrides("", &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warnf("trace provider shutdown: %v", err)
		}
	}()

	metrics := obs.NewMetrics()

	var tr transport.Transport
	if cfg.NATS.URL != "" {
		conn, cerr := nats.Connect(cfg.NATS.URL)
		if cerr != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, cerr)
		}
		defer conn.Close()
		tr, err = natsbus.New(conn, natsbus.Config{
			Prefix: cfg.NATS.Prefix,
			PoolID: cfg.NATS.PoolID,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		logger.Infof("using NATS transport at %s", cfg.NATS.URL)
	} else {
		tr = transport.NewInproc(logger)
	}

	opts := append(cfg.PoolOptions(),
		pool.WithLogger(logger),
		pool.WithMetrics(metrics),
		pool.WithTracer(tp.Tracer("taskforge")),
	)
	p := pool.New(tr, opts...)

	// The Initialize context also scopes the workers' lifetime, so it must
	// outlive startup; readiness is already bounded per worker by the
	// configured startup timeout.
	if err := p.Initialize(context.Background(), demoRunner(), cfg.Pool.MaxWorkers); err != nil {
		return fmt.Errorf("initialize pool: %w", err)
	}
	logger.Infof("pool ready with %d workers", p.Stats().TotalWorkers)

	var inspector *web.Inspector
	if cfg.Inspector.Enabled {
		inspector, err = web.NewInspector(p, web.InspectorConfig{
			Addr:    cfg.Inspector.Addr,
			Metrics: metrics,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		inspector.Start()
	}

	burst(p, logger)

	stats := p.Stats()
	logger.Infof("stats after burst: total=%d busy=%d available=%d queued=%d",
		stats.TotalWorkers, stats.BusyWorkers, stats.AvailableWorkers, stats.QueuedTasks)

	if cfg.Inspector.Enabled {
		logger.Infof("inspector running on %s, Ctrl+C to stop", cfg.Inspector.Addr)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if inspector != nil {
		if err := inspector.Stop(shutdownCtx); err != nil {
			logger.Warnf("inspector stop: %v", err)
		}
	}
	return p.Shutdown(shutdownCtx)
}

// burst submits a mix of tasks, more than the pool has workers, and waits
// for every future so the queue visibly fills and drains.
func burst(p *pool.Pool, logger core.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type submission struct {
		taskType string
		fut      *future.FutureT[pool.Result]
	}

	futures := make([]submission, 0, 12)
	for i := 0; i < 4; i++ {
		futures = append(futures,
			submission{"hash", p.Execute(ctx, "hash", map[string]interface{}{"payload": fmt.Sprintf("block-%d", i)})},
			submission{"primes", p.Execute(ctx, "primes", map[string]interface{}{"limit": float64(50000 * (i + 1))})},
			submission{"sleep", p.Execute(ctx, "sleep", map[string]interface{}{"ms": float64(100)})},
		)
	}

	for _, pt := range futures {
		result, err := pt.fut.Await(ctx)
		if err != nil {
			logger.Errorf("%s failed: %v", pt.taskType, err)
			continue
		}
		logger.Infof("%s -> %v (worker %d, %s)", pt.taskType, result.Value, result.WorkerID, result.Duration)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "example: %v\n", err)
		os.Exit(1)
	}
}
