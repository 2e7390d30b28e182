package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inventory/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/notify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	alertEvent     = "ledger.reconciliation"
	defaultTimeout = 2 * time.Minute
)

var (
	errMissingReconciler = errors.New("reconcile: ledger reconciler required")
	errMissingSchedule   = errors.New("reconcile: schedule required")
)

// Reconciler compares stock with history. *ledger.Service satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, lowStockThreshold int64) (ledger.ReconciliationReport, error)
}

// Config describes the reconciliation job.
type Config struct {
	Schedule          string
	LowStockThreshold int64
	Timeout           time.Duration
}

// Scheduler runs the reconciliation job on a cron schedule.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	notifier   notify.Notifier
	cfg        Config
	logger     *zap.Logger
}

func NewScheduler(cfg Config, reconciler Reconciler, notifier notify.Notifier, logger *zap.Logger) (*Scheduler, error) {
	if reconciler == nil {
		return nil, errMissingReconciler
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		return nil, errMissingSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:       cron.New(),
		reconciler: reconciler,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Start registers the job and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.runScheduled); err != nil {
		return fmt.Errorf("reconcile: invalid schedule %q: %w", s.cfg.Schedule, err)
	}
	s.logger.Info("starting reconciliation scheduler", zap.String("schedule", s.cfg.Schedule))
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping reconciliation scheduler")
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("reconciliation run failed", zap.Error(err))
	}
}

// RunOnce reconciles the ledger, logs the findings and sends an alert when there are any.
func (s *Scheduler) RunOnce(ctx context.Context) (ledger.ReconciliationReport, error) {
	report, err := s.reconciler.Reconcile(ctx, s.cfg.LowStockThreshold)
	if err != nil {
		return ledger.ReconciliationReport{}, err
	}

	for _, discrepancy := range report.Discrepancies {
		s.logger.Error("cartridge stock disagrees with history",
			zap.Int64("cartridge_id", discrepancy.CartridgeID),
			zap.String("model", discrepancy.Model),
			zap.Int64("stock", discrepancy.Stock),
			zap.Int64("expected", discrepancy.Expected))
	}
	for _, cartridge := range report.LowStock {
		s.logger.Warn("cartridge low on stock",
			zap.Int64("cartridge_id", cartridge.ID),
			zap.String("model", cartridge.Model),
			zap.Int64("stock", cartridge.Stock))
	}
	s.logger.Info("reconciliation completed",
		zap.Int("cartridges", report.Cartridges),
		zap.Int("discrepancies", len(report.Discrepancies)),
		zap.Int("low_stock", len(report.LowStock)))

	if !report.HasFindings() {
		return report, nil
	}
	if err := s.notifier.Notify(ctx, buildAlert(report, s.cfg.LowStockThreshold)); err != nil {
		s.logger.Warn("reconciliation alert delivery failed", zap.Error(err))
	}
	return report, nil
}

func buildAlert(report ledger.ReconciliationReport, threshold int64) notify.Alert {
	severity := "warning"
	if len(report.Discrepancies) > 0 {
		severity = "critical"
	}

	lowStock := make([]map[string]any, 0, len(report.LowStock))
	for _, cartridge := range report.LowStock {
		lowStock = append(lowStock, map[string]any{
			"cartridgeId": cartridge.ID,
			"model":       cartridge.Model,
			"stock":       cartridge.Stock,
		})
	}
	discrepancies := make([]map[string]any, 0, len(report.Discrepancies))
	for _, discrepancy := range report.Discrepancies {
		discrepancies = append(discrepancies, map[string]any{
			"cartridgeId": discrepancy.CartridgeID,
			"model":       discrepancy.Model,
			"stock":       discrepancy.Stock,
			"expected":    discrepancy.Expected,
		})
	}

	return notify.Alert{
		Event:    alertEvent,
		Severity: severity,
		Summary: fmt.Sprintf("%d stock discrepancies, %d cartridges at or below %d",
			len(report.Discrepancies), len(report.LowStock), threshold),
		Details: map[string]any{
			"discrepancies": discrepancies,
			"lowStock":      lowStock,
		},
		OccurredAt: report.CheckedAt,
	}
}
