package observability

import (
	"context"
	"fmt"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// FlushTelemetry logs a summary of the run's metrics at debug level and flushes the logger.
// Call once before process exit.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, metrics *Metrics) error {
	if logger == nil {
		return nil
	}
	if metrics != nil && ctx.Err() == nil {
		families, err := metrics.Registry.Gather()
		if err != nil {
			logger.Warn("gather metrics", zap.Error(err))
		}
		for _, mf := range families {
			for _, m := range mf.GetMetric() {
				logger.Debug("run metric",
					zap.String("name", mf.GetName()),
					zap.String("labels", labelString(m.GetLabel())),
					zap.Float64("value", metricValue(mf.GetType(), m)),
				)
			}
		}
	}
	if err := logger.Sync(); err != nil {
		return fmt.Errorf("flush logs: %w", err)
	}
	return nil
}

func labelString(pairs []*dto.LabelPair) string {
	parts := make([]string, 0, len(pairs))
	for _, lp := range pairs {
		parts = append(parts, lp.GetName()+"="+lp.GetValue())
	}
	return strings.Join(parts, ",")
}

// metricValue reduces a sample to one number; histograms report their sample count.
func metricValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount())
	}
	return 0
}
