package reconcile

import (
	"testing"

	"boxpdv/backend/internal/domain"
)

func TestExpectedBalancesAllMovementTypes(t *testing.T) {
	session := domain.CashSession{
		InitialAmountCents:    10000,
		SalesTotalCents:       25000,
		SuppliesTotalCents:    5000,
		WithdrawalsTotalCents: 8000,
	}
	if got := Expected(session); got != 32000 {
		t.Fatalf("expected 32000, got %d", got)
	}
}

func TestVarianceSignConvention(t *testing.T) {
	session := domain.CashSession{InitialAmountCents: 10000, SalesTotalCents: 5000}
	if got := Variance(session, 14000); got != -1000 {
		t.Fatalf("shortage should be negative, got %d", got)
	}
	if got := Variance(session, 15250); got != 250 {
		t.Fatalf("surplus should be positive, got %d", got)
	}
}

func TestClassifyBuckets(t *testing.T) {
	cases := []struct {
		variance int64
		want     string
	}{
		{0, domain.VarianceNormal},
		{100, domain.VarianceNormal},
		{-100, domain.VarianceNormal},
		{101, domain.VarianceWarning},
		{-1500, domain.VarianceWarning},
		{2000, domain.VarianceWarning},
		{2001, domain.VarianceCritical},
		{-99999, domain.VarianceCritical},
	}
	for _, tc := range cases {
		if got := Classify(tc.variance); got != tc.want {
			t.Fatalf("Classify(%d) = %q, want %q", tc.variance, got, tc.want)
		}
	}
}

func TestReportMarksOpenSessionPending(t *testing.T) {
	session := domain.CashSession{
		ID:                 "cs-open",
		RegisterID:         "register-1",
		Status:             domain.SessionStatusOpen,
		InitialAmountCents: 10000,
		SalesTotalCents:    5000,
	}
	report := Report(session, 2)
	if report.ExpectedAmountCents != 15000 {
		t.Fatalf("expected 15000, got %d", report.ExpectedAmountCents)
	}
	// No counted amount exists yet, so an open drawer must not show the
	// shortage a zero count would imply.
	if report.VarianceCents != 0 {
		t.Fatalf("expected zero variance for open session, got %d", report.VarianceCents)
	}
	if report.Classification != domain.VariancePending {
		t.Fatalf("expected pending classification, got %q", report.Classification)
	}
}

func TestReportPrefersFrozenValuesForClosedSessions(t *testing.T) {
	session := domain.CashSession{
		ID:                  "cs-1",
		RegisterID:          "register-1",
		Status:              domain.SessionStatusClosed,
		InitialAmountCents:  10000,
		SalesTotalCents:     5000,
		CountedAmountCents:  14950,
		ExpectedAmountCents: 15000,
		VarianceCents:       -50,
	}
	report := Report(session, 3)
	if report.ExpectedAmountCents != 15000 || report.VarianceCents != -50 {
		t.Fatalf("closed session report should use frozen values, got %+v", report)
	}
	if report.Classification != domain.VarianceNormal {
		t.Fatalf("expected normal classification, got %q", report.Classification)
	}
	if report.MovementCount != 3 {
		t.Fatalf("expected movement count 3, got %d", report.MovementCount)
	}
}
