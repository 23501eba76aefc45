// Package telemetry wires OpenTelemetry metrics for statusline.
//
// Metrics are disabled by default. STATUSLINE_OTEL_STDOUT=true installs a
// stdout exporter, which is meant for local debugging.
package telemetry

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationScope = "statusline"

// Enabled reports whether STATUSLINE_OTEL_STDOUT=true.
func Enabled() bool {
	return os.Getenv("STATUSLINE_OTEL_STDOUT") == "true"
}

// Init installs the global meter provider and returns its shutdown func.
func Init(ctx context.Context) (func(context.Context) error, error) {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
	))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// Meter returns the statusline meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(instrumentationScope)
}

// Instruments are the counters recorded by the emit path.
type Instruments struct {
	Emitted        metric.Int64Counter
	Rejected       metric.Int64Counter
	Forced         metric.Int64Counter
	NotifyFailures metric.Int64Counter
}

// NewInstruments registers the counters on m. A nil meter uses Meter().
func NewInstruments(m metric.Meter) Instruments {
	if m == nil {
		m = Meter()
	}
	emitted, _ := m.Int64Counter("statusline.transitions.emitted",
		metric.WithDescription("Transitions appended to the event log"),
		metric.WithUnit("{transition}"),
	)
	rejected, _ := m.Int64Counter("statusline.transitions.rejected",
		metric.WithDescription("Transitions refused by validation"),
		metric.WithUnit("{transition}"),
	)
	forced, _ := m.Int64Counter("statusline.transitions.forced",
		metric.WithDescription("Forced transitions accepted"),
		metric.WithUnit("{transition}"),
	)
	notifyFailures, _ := m.Int64Counter("statusline.notify.failures",
		metric.WithDescription("Notifier deliveries that failed"),
		metric.WithUnit("{delivery}"),
	)
	return Instruments{Emitted: emitted, Rejected: rejected, Forced: forced, NotifyFailures: notifyFailures}
}
