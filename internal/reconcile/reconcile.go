// Package reconcile computes end-of-day cash expectations for a register
// session. It is pure arithmetic over the session accumulators; it never
// touches the store.
package reconcile

import "boxpdv/backend/internal/domain"

// Variance thresholds in cents. Drift up to one real is treated as rounding
// noise; anything above twenty reais needs a supervisor.
const (
	warningThresholdCents  = 100
	criticalThresholdCents = 2000
)

// Expected returns the amount the drawer should hold at close:
// initial float plus sale credits plus supplies minus withdrawals.
func Expected(session domain.CashSession) int64 {
	return session.InitialAmountCents +
		session.SalesTotalCents +
		session.SuppliesTotalCents -
		session.WithdrawalsTotalCents
}

// Variance is counted minus expected. Positive means surplus, negative
// means shortage.
func Variance(session domain.CashSession, countedCents int64) int64 {
	return countedCents - Expected(session)
}

// Classify buckets an absolute variance into normal, warning or critical.
func Classify(varianceCents int64) string {
	abs := varianceCents
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs <= warningThresholdCents:
		return domain.VarianceNormal
	case abs <= criticalThresholdCents:
		return domain.VarianceWarning
	default:
		return domain.VarianceCritical
	}
}

// Report builds the reconciliation view of a session. An open session has no
// counted amount yet, so its variance stays zero and its classification is
// pending until the drawer is closed.
func Report(session domain.CashSession, movementCount int) domain.ReconciliationReport {
	expected := Expected(session)
	variance := int64(0)
	classification := domain.VariancePending
	if session.Status == domain.SessionStatusClosed {
		expected = session.ExpectedAmountCents
		variance = session.VarianceCents
		classification = Classify(variance)
	}
	return domain.ReconciliationReport{
		SessionID:             session.ID,
		RegisterID:            session.RegisterID,
		InitialAmountCents:    session.InitialAmountCents,
		SalesTotalCents:       session.SalesTotalCents,
		SuppliesTotalCents:    session.SuppliesTotalCents,
		WithdrawalsTotalCents: session.WithdrawalsTotalCents,
		CountedAmountCents:    session.CountedAmountCents,
		ExpectedAmountCents:   expected,
		VarianceCents:         variance,
		Classification:        classification,
		MovementCount:         movementCount,
	}
}
