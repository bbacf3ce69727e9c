package money

import "testing"

func TestNewFiatAmount(t *testing.T) {
	a := NewFiatAmount(EUR, 10, 50)
	if a.Units != 1050 {
		t.Fatalf("Units = %d, want 1050", a.Units)
	}
}

func TestFiatAmountAddMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Add across currencies did not panic")
		}
	}()
	NewFiatAmount(EUR, 1, 0).Add(NewFiatAmount(USD, 1, 0))
}

func TestFiatAmountMulRemainder(t *testing.T) {
	a := NewFiatAmount(EUR, 10, 0) // 1000 cents
	result, remainder := a.Mul(1, 3)
	if result.Units != 333 {
		t.Fatalf("result.Units = %d, want 333", result.Units)
	}
	if remainder != 1 {
		t.Fatalf("remainder = %d, want 1", remainder)
	}
}

func TestFiatAmountString(t *testing.T) {
	if got := NewFiatAmount(USD, 5, 5).String(); got != "5.05 USD" {
		t.Fatalf("String() = %q, want 5.05 USD", got)
	}
}
