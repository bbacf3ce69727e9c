package money

import "testing"

func TestBitcoinAmountSplitRemainder(t *testing.T) {
	share, remainder := BitcoinAmount(100).Split(3)
	if share != 33 {
		t.Fatalf("share = %d, want 33", share)
	}
	if remainder != 1 {
		t.Fatalf("remainder = %d, want 1", remainder)
	}
	if share*3+remainder != 100 {
		t.Fatalf("share*n+remainder = %d, want 100", share*3+remainder)
	}
}

func TestBitcoinAmountSplitExact(t *testing.T) {
	share, remainder := BitcoinAmount(100).Split(4)
	if share != 25 || remainder != 0 {
		t.Fatalf("Split(4) = (%d, %d), want (25, 0)", share, remainder)
	}
}

func TestAtStepBounds(t *testing.T) {
	total := BitcoinAmount(1000)
	if got := AtStep(total, 0, 10); got != 0 {
		t.Fatalf("AtStep(k=0) = %d, want 0", got)
	}
	if got := AtStep(total, 10, 10); got != total {
		t.Fatalf("AtStep(k=n) = %d, want %d", got, total)
	}
	if got := AtStep(total, 5, 10); got != 500 {
		t.Fatalf("AtStep(k=5, n=10) = %d, want 500", got)
	}
}

func TestAtStepMonotonic(t *testing.T) {
	total := BitcoinAmount(997)
	prev := BitcoinAmount(0)
	for k := 1; k <= 10; k++ {
		cur := AtStep(total, k, 10)
		if cur < prev {
			t.Fatalf("AtStep not monotonic at k=%d: %d < %d", k, cur, prev)
		}
		prev = cur
	}
}

func TestBitcoinAmountString(t *testing.T) {
	if got := BitcoinAmount(SatoshiPerBTC).String(); got != "1.00000000 BTC" {
		t.Fatalf("String() = %q, want 1.00000000 BTC", got)
	}
}
