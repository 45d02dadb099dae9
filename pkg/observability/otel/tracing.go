// Package otel wires OpenTelemetry tracing into the engine: a tracer
// provider with a selectable exporter and a lifecycle listener that
// records one span per transition.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/machina-io/machina/pkg/runtime"
)

// Config selects the exporter and its endpoint.
type Config struct {
	// Enabled turns tracing on.
	Enabled bool

	// Exporter is one of "stdout", "jaeger", "zipkin".
	Exporter string

	// Endpoint is the collector endpoint for jaeger/zipkin.
	Endpoint string

	// SampleRatio in [0,1]; 1 samples everything. Default 1.
	SampleRatio float64
}

// Init installs a global tracer provider per the config. The returned
// shutdown function flushes pending spans.
func Init(cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "jaeger":
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	case "zipkin":
		exporter, err = zipkin.New(cfg.Endpoint)
	default:
		return nil, fmt.Errorf("otel: unknown exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("otel: exporter init: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Observe attaches a lifecycle listener recording spans for state
// changes and error events of one runtime.
func Observe(rt *runtime.Runtime) {
	tracer := otel.Tracer("machina/runtime")
	component := rt.ComponentName()

	rt.AddListener(func(ev runtime.LifecycleEvent) {
		switch ev.Type {
		case runtime.EventStateChange:
			instanceID, _ := ev.Data["instanceId"].(string)
			machine, _ := ev.Data["machineName"].(string)
			previous, _ := ev.Data["previousState"].(string)
			next, _ := ev.Data["newState"].(string)
			_, span := tracer.Start(context.Background(), "transition",
				trace.WithAttributes(
					attribute.String("machina.component", component),
					attribute.String("machina.machine", machine),
					attribute.String("machina.instance_id", instanceID),
					attribute.String("machina.state.from", previous),
					attribute.String("machina.state.to", next),
				))
			span.End()

		case runtime.EventInstanceError:
			instanceID, _ := ev.Data["instanceId"].(string)
			cause, _ := ev.Data["error"].(string)
			_, span := tracer.Start(context.Background(), "instance_error",
				trace.WithAttributes(
					attribute.String("machina.component", component),
					attribute.String("machina.instance_id", instanceID),
					attribute.String("machina.error", cause),
				))
			span.End()
		}
	})
}
