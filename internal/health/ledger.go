package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/northstar-lms/custodian/internal/audit"
)

// ErrLedgerNotVerified is returned before the first verification run completes.
var ErrLedgerNotVerified = errors.New("ledger not yet verified")

// ReportSource exposes the most recent ledger verification report.
type ReportSource interface {
	LastReport() *audit.VerificationReport
}

// LedgerChecker reports the outcome of the last background chain verification.
// It never walks the chain itself.
type LedgerChecker struct {
	source ReportSource
	maxAge time.Duration
	now    func() time.Time
}

// NewLedgerChecker creates a checker. A report older than maxAge counts as
// stale; zero disables the staleness check.
func NewLedgerChecker(source ReportSource, maxAge time.Duration) *LedgerChecker {
	return &LedgerChecker{source: source, maxAge: maxAge, now: time.Now}
}

// HealthCheck returns an error if the last run found violations or could not
// verify a scope, or if no recent run exists.
func (l *LedgerChecker) HealthCheck(ctx context.Context) error {
	report := l.source.LastReport()
	if report == nil {
		return ErrLedgerNotVerified
	}
	if l.maxAge > 0 && l.now().Sub(report.CompletedAt) > l.maxAge {
		return fmt.Errorf("last ledger verification at %s is stale", report.CompletedAt.Format(time.RFC3339))
	}
	if len(report.Violations) > 0 {
		return fmt.Errorf("ledger integrity violations in %d scope(s)", len(report.Violations))
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("ledger verification failed for %d scope(s)", len(report.Failed))
	}
	return nil
}
