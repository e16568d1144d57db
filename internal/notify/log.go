// Package notify holds the alert notification channels.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/core"
)

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	Logger core.Logger
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(ctx context.Context, alert core.Alert) error {
	log := core.LoggerOr(n.Logger)
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("rule", alert.Rule),
		zap.String("severity", string(alert.Severity)),
		zap.Time("fired_at", alert.FiredAt),
		zap.Int("count", alert.Statistics.Count),
		zap.Float64("error_rate", alert.Statistics.ErrorRate),
		zap.Duration("avg_latency", alert.Statistics.AvgLatency),
		zap.Duration("p95_latency", alert.Statistics.P95Latency),
	}

	switch alert.Severity {
	case core.SeverityCritical:
		log.Error("ALERT: "+alert.Message, fields...)
	case core.SeverityInfo:
		log.Info("ALERT: "+alert.Message, fields...)
	default:
		log.Warn("ALERT: "+alert.Message, fields...)
	}
	return nil
}
