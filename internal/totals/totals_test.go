package totals

import (
	"testing"

	"github.com/shopspring/decimal"

	"bonitoamor/backend/internal/domain"
)

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", raw, err)
	}
	return d
}

func TestSubtotalRoundsToTwoPlaces(t *testing.T) {
	got := Subtotal(3, dec(t, "33.333"))
	if !got.Equal(dec(t, "100.00")) {
		t.Fatalf("expected 100.00, got %s", got)
	}
}

func TestTotalAppliesDiscountToActiveLines(t *testing.T) {
	lines := []domain.SaleLine{
		{Quantity: 3, Subtotal: dec(t, "300.00")},
	}
	got := Total(lines, dec(t, "10"))
	if !got.Equal(dec(t, "270.00")) {
		t.Fatalf("expected 270.00, got %s", got)
	}
}

func TestTotalSkipsVoidedLines(t *testing.T) {
	lines := []domain.SaleLine{
		{Quantity: 2, Subtotal: dec(t, "100.00")},
		{Quantity: 1, Subtotal: dec(t, "50.00"), Voided: true},
		{Quantity: 1, Subtotal: dec(t, "20.00")},
	}
	got := Total(lines, decimal.Zero)
	if !got.Equal(dec(t, "120.00")) {
		t.Fatalf("expected 120.00, got %s", got)
	}
}

func TestTotalAllLinesVoidedIsZero(t *testing.T) {
	lines := []domain.SaleLine{
		{Quantity: 2, Subtotal: dec(t, "100.00"), Voided: true},
	}
	got := Total(lines, dec(t, "25"))
	if !got.IsZero() {
		t.Fatalf("expected 0, got %s", got)
	}
}

func TestTotalFullDiscount(t *testing.T) {
	lines := []domain.SaleLine{
		{Quantity: 1, Subtotal: dec(t, "99.99")},
	}
	got := Total(lines, dec(t, "100"))
	if !got.IsZero() {
		t.Fatalf("expected 0 with 100%% discount, got %s", got)
	}
}

func TestTotalRoundingHalfUp(t *testing.T) {
	// 10.05 at 2.5% discount: 10.05 * 0.975 = 9.79875, rounds to 9.80.
	lines := []domain.SaleLine{
		{Quantity: 1, Subtotal: dec(t, "10.05")},
	}
	got := Total(lines, dec(t, "2.5"))
	if !got.Equal(dec(t, "9.80")) {
		t.Fatalf("expected 9.80, got %s", got)
	}
}

func TestCheckDetectsDrift(t *testing.T) {
	lines := []domain.SaleLine{
		{Quantity: 1, Subtotal: dec(t, "50.00")},
	}
	if !Check(lines, decimal.Zero, dec(t, "50.00")) {
		t.Fatalf("expected matching total to pass")
	}
	if Check(lines, decimal.Zero, dec(t, "49.99")) {
		t.Fatalf("expected drifted total to fail")
	}
}

func TestValidDiscountBounds(t *testing.T) {
	for _, tc := range []struct {
		raw   string
		valid bool
	}{
		{"0", true},
		{"100", true},
		{"55.5", true},
		{"-0.01", false},
		{"100.01", false},
	} {
		if got := ValidDiscount(dec(t, tc.raw)); got != tc.valid {
			t.Fatalf("ValidDiscount(%s) = %v, expected %v", tc.raw, got, tc.valid)
		}
	}
}
