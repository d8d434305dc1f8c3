// Package kernel wires every core component into one dispatchable unit:
// spec §6's syscall surface, spec §5's concurrency discipline, and the
// tracing/metrics/logging ambient stack every call goes through.
package kernel

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/zeroos-project/kernel/internal/auditlog"
	"github.com/zeroos-project/kernel/internal/captable"
	"github.com/zeroos-project/kernel/internal/ipc"
	"github.com/zeroos-project/kernel/internal/objtable"
	"github.com/zeroos-project/kernel/internal/process"
	"github.com/zeroos-project/kernel/internal/scheduler"
	"github.com/zeroos-project/kernel/internal/service"
	"github.com/zeroos-project/kernel/internal/substrate"
	"github.com/zeroos-project/kernel/internal/vmm"
)

// Config controls every resource limit and ambient-stack knob a Kernel
// boots with.
type Config struct {
	NumCPU        int
	TimeSlice     time.Duration
	TotalFrames   uint64
	MaxCapSlots   int
	ServiceCache  int
	AuditPath     string // empty -> in-memory only, see internal/auditlog.Config
	AuditMaxInMem int
	WASM          bool // selects the substrate.NewWASM driver over native
	Logger        *logrus.Logger
}

// Kernel owns every shared component and exposes the syscall surface of
// spec §6 as typed methods, each wrapped in a trace span, a syscall
// counter, and a structured log entry.
type Kernel struct {
	cfg      Config
	Audit    *auditlog.Log
	Objs     *objtable.Table
	Caps     *captable.Registry
	Space    *vmm.Registry
	Sched    *scheduler.Scheduler
	Procs    *process.Manager
	Services *service.Registry

	log       *logrus.Entry
	tracer    trace.Tracer
	tp        *sdktrace.TracerProvider
	syscalls  *prometheus.CounterVec
	latencies *prometheus.HistogramVec
}

// New boots a Kernel: the object arena, the shared audit log, and every
// per-process registry, then the service-lookup registry seeded with
// init's own root capability.
func New(cfg Config) (*Kernel, error) {
	if cfg.NumCPU <= 0 {
		cfg.NumCPU = 1
	}
	if cfg.TimeSlice <= 0 {
		cfg.TimeSlice = scheduler.DefaultSlice
	}
	if cfg.TotalFrames == 0 {
		cfg.TotalFrames = 1 << 16
	}
	if cfg.MaxCapSlots <= 0 {
		cfg.MaxCapSlots = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	auditLog, err := auditlog.Replay(auditlog.Config{BBoltPath: cfg.AuditPath, MaxInMemory: cfg.AuditMaxInMem})
	if err != nil {
		return nil, fmt.Errorf("kernel: boot audit log: %w", err)
	}

	objs := objtable.New()
	caps := captable.NewRegistry(auditLog)
	caps.SetOnLastRef(func(id objtable.ID, kind objtable.Kind) {
		if kind != objtable.KindEndpoint {
			return
		}
		obj, err := objs.Resolve(id)
		if err != nil {
			return
		}
		if ep, ok := obj.(*ipc.Endpoint); ok {
			ep.Close()
		}
		objs.Free(id)
	})
	space := vmm.NewRegistry(cfg.TotalFrames, auditLog)

	var newSource scheduler.NewSource
	if cfg.WASM {
		newSource = func() substrate.Source { return substrate.NewWASM(1000) }
	} else {
		newSource = func() substrate.Source { return substrate.NewNative() }
	}
	sched := scheduler.New(scheduler.Config{NumCPU: cfg.NumCPU, Slice: cfg.TimeSlice, Source: newSource, Audit: auditLog})

	procs := process.NewManager(process.Config{MaxCapSlots: cfg.MaxCapSlots, Caps: caps, Space: space, Sched: sched, Audit: auditLog})
	services := service.NewRegistry(objs, auditLog, cfg.ServiceCache)

	tp, tracer := setupTracing()

	k := &Kernel{
		cfg:      cfg,
		Audit:    auditLog,
		Objs:     objs,
		Caps:     caps,
		Space:    space,
		Sched:    sched,
		Procs:    procs,
		Services: services,
		log:      cfg.Logger.WithField("component", "kernel"),
		tracer:   tracer,
		tp:       tp,
		syscalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "zerokernel_syscalls_total",
			Help: "Count of kernel syscalls dispatched, by name and outcome.",
		}, []string{"syscall", "outcome"}),
		latencies: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zerokernel_syscall_duration_seconds",
			Help:    "Syscall dispatch latency in seconds, by name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"syscall"}),
	}
	return k, nil
}

// Close tears down the scheduler's timer wheel, the audit log's backing
// store, and flushes any pending trace spans.
func (k *Kernel) Close() error {
	k.Sched.Close()
	if k.tp != nil {
		_ = k.tp.Shutdown(context.Background())
	}
	return k.Audit.Close()
}

// setupTracing builds an OTLP/HTTP tracer provider when
// OTEL_EXPORTER_OTLP_ENDPOINT is set and OTEL_SDK_DISABLED isn't
// "true", the same env-gated convention moby's daemon tracing bring-up
// follows; otherwise every span is a cheap no-op via the global
// tracer provider's default.
func setupTracing() (*sdktrace.TracerProvider, trace.Tracer) {
	if os.Getenv("OTEL_SDK_DISABLED") == "true" {
		return nil, otel.Tracer("zerokernel")
	}
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil, otel.Tracer("zerokernel")
	}

	exp, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		log.G(context.Background()).WithError(err).Warn("otlp exporter unavailable, tracing disabled")
		return nil, otel.Tracer("zerokernel")
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp, tp.Tracer("zerokernel")
}

// dispatch wraps one syscall body in a trace span, a prometheus counter
// keyed by name and success/error, a latency histogram, and a
// structured log line — the uniform instrumentation every syscall
// method below goes through (spec §6's "same kernel dispatch" for every
// call, native or WASM).
func dispatch[T any](k *Kernel, ctx context.Context, name string, actorPID uint64, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := k.tracer.Start(ctx, name, trace.WithAttributes(attribute.Int64("actor_pid", int64(actorPID))))
	defer span.End()

	start := time.Now()
	result, err := fn(ctx)
	elapsed := time.Since(start)
	k.latencies.WithLabelValues(name).Observe(elapsed.Seconds())

	entry := k.log.WithFields(logrus.Fields{"syscall": name, "actor_pid": actorPID, "elapsed": elapsed})
	if err != nil {
		k.syscalls.WithLabelValues(name, "error").Inc()
		span.RecordError(err)
		entry.WithError(err).Debug("syscall failed")
	} else {
		k.syscalls.WithLabelValues(name, "ok").Inc()
		entry.Trace("syscall ok")
	}
	return result, err
}

// actorPIDOf derives a stable instrumentation label from a process
// uuid; not to be confused with captable's actorPID, which each
// process's own table already carries.
func actorPIDOf(id uuid.UUID) uint64 {
	var v uint64
	for _, b := range id[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}
