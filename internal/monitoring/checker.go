package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/config"
)

// FatalFunc is called when the audit chain fails verification. Injected
// rather than calling os.Exit directly so the checker is testable; the
// caller (cmd/serve) wires it to a real process exit.
type FatalFunc func(reason string)

// Checker runs the periodic backlog/integrity check loop.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	onFatal   FatalFunc
}

// NewChecker builds a background Checker. onFatal is called by every check
// that finds the audit chain failing to verify.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, onFatal FatalFunc) *Checker {
	return &Checker{collector: collector, alerter: alerter, cfg: cfg, onFatal: onFatal}
}

// Run blocks until ctx is cancelled, checking every CheckIntervalSecs.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting integrity/backlog checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: collect failed", zap.Error(err))
		return
	}

	if !snap.AuditChainOK {
		log.Error("monitoring: audit chain verification failed", zap.Error(snap.AuditErr))
		if c.onFatal != nil {
			c.onFatal(snap.AuditErr.Error())
		}
		return
	}

	alerts := c.alerter.Evaluate(snap, time.Now().UTC())
	if len(alerts) == 0 {
		log.Debug("monitoring: no thresholds breached")
		return
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: check complete", zap.Int("alerts_triggered", len(alerts)), zap.Int("alerts_sent", sent))
}
