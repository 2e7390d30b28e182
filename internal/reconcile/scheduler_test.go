package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inventory/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/notify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubReconciler struct {
	report    ledger.ReconciliationReport
	err       error
	threshold int64
}

func (s *stubReconciler) Reconcile(_ context.Context, threshold int64) (ledger.ReconciliationReport, error) {
	s.threshold = threshold
	return s.report, s.err
}

type recordingNotifier struct {
	alerts []notify.Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, alert notify.Alert) error {
	n.alerts = append(n.alerts, alert)
	return n.err
}

func TestRunOnceAlertsOnFindings(t *testing.T) {
	reconciler := &stubReconciler{report: ledger.ReconciliationReport{
		CheckedAt:  time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC),
		Cartridges: 3,
		Discrepancies: []ledger.StockDiscrepancy{
			{CartridgeID: 1, Model: "HP 55A", Stock: 7, Expected: 10},
		},
		LowStock: []ledger.Cartridge{{ID: 2, Model: "HP 05X", Stock: 1}},
	}}
	notifier := &recordingNotifier{}
	core, logs := observer.New(zapcore.DebugLevel)

	scheduler, err := NewScheduler(Config{Schedule: "0 7 * * *", LowStockThreshold: 2}, reconciler, notifier, zap.New(core))
	if err != nil {
		t.Fatalf("failed to construct scheduler: %v", err)
	}

	if _, err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if reconciler.threshold != 2 {
		t.Fatalf("expected threshold 2 to be passed, got %d", reconciler.threshold)
	}
	if len(notifier.alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(notifier.alerts))
	}
	alert := notifier.alerts[0]
	if alert.Event != "ledger.reconciliation" || alert.Severity != "critical" {
		t.Fatalf("unexpected alert %#v", alert)
	}
	if logs.FilterMessage("cartridge stock disagrees with history").Len() != 1 {
		t.Fatalf("expected discrepancy to be logged")
	}
	lowStockLogs := logs.FilterMessage("cartridge low on stock").All()
	if len(lowStockLogs) != 1 || lowStockLogs[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn-level low stock log, got %v", lowStockLogs)
	}
}

func TestRunOnceSkipsAlertWithoutFindings(t *testing.T) {
	reconciler := &stubReconciler{report: ledger.ReconciliationReport{Cartridges: 4}}
	notifier := &recordingNotifier{}

	scheduler, err := NewScheduler(Config{Schedule: "@daily"}, reconciler, notifier, nil)
	if err != nil {
		t.Fatalf("failed to construct scheduler: %v", err)
	}
	if _, err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(notifier.alerts) != 0 {
		t.Fatalf("expected no alert, got %d", len(notifier.alerts))
	}
}

func TestRunOnceToleratesNotifierFailure(t *testing.T) {
	reconciler := &stubReconciler{report: ledger.ReconciliationReport{
		LowStock: []ledger.Cartridge{{ID: 9, Model: "Epson 664", Stock: 0}},
	}}
	notifier := &recordingNotifier{err: errors.New("webhook down")}

	scheduler, err := NewScheduler(Config{Schedule: "@daily"}, reconciler, notifier, nil)
	if err != nil {
		t.Fatalf("failed to construct scheduler: %v", err)
	}
	report, err := scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("notifier failure must not fail the run: %v", err)
	}
	if len(report.LowStock) != 1 || notifier.alerts[0].Severity != "warning" {
		t.Fatalf("unexpected outcome %#v %#v", report, notifier.alerts)
	}
}

func TestRunOncePropagatesReconcileError(t *testing.T) {
	reconciler := &stubReconciler{err: errors.New("database gone")}
	scheduler, err := NewScheduler(Config{Schedule: "@daily"}, reconciler, nil, nil)
	if err != nil {
		t.Fatalf("failed to construct scheduler: %v", err)
	}
	if _, err := scheduler.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected reconcile error")
	}
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	scheduler, err := NewScheduler(Config{Schedule: "every tuesday"}, &stubReconciler{}, nil, nil)
	if err != nil {
		t.Fatalf("failed to construct scheduler: %v", err)
	}
	if err := scheduler.Start(); err == nil {
		scheduler.Stop()
		t.Fatalf("expected invalid schedule error")
	}
}

func TestNewSchedulerValidatesDependencies(t *testing.T) {
	if _, err := NewScheduler(Config{Schedule: "@daily"}, nil, nil, nil); err == nil {
		t.Fatalf("expected missing reconciler error")
	}
	if _, err := NewScheduler(Config{Schedule: " "}, &stubReconciler{}, nil, nil); err == nil {
		t.Fatalf("expected missing schedule error")
	}
}
