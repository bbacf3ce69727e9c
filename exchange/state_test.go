package exchange

import "testing"

func TestAcceptsTotalTable(t *testing.T) {
	cases := []struct {
		event string
		from  Status
		want  bool
	}{
		{"start_handshake", NonStarted, true},
		{"start_handshake", Handshaking, false},
		{"start_exchange", Handshaking, true},
		{"start_exchange", Exchanging, false},
		{"complete_step", Exchanging, true},
		{"complete_step", Handshaking, false},
		{"abort", Handshaking, true},
		{"abort", Exchanging, true},
		{"abort", Successful, false},
		{"unknown_event", NonStarted, false},
	}
	for _, c := range cases {
		if got := accepts(c.event, c.from); got != c.want {
			t.Errorf("accepts(%q, %s) = %v, want %v", c.event, c.from, got, c.want)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{Successful, Failed, Aborted}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	nonTerminal := []Status{NonStarted, Handshaking, Exchanging}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestUnknownEventNeverPanics(t *testing.T) {
	for _, s := range []Status{NonStarted, Handshaking, Exchanging, Successful, Failed, Aborted} {
		if accepts("nonexistent", s) {
			t.Errorf("accepts(nonexistent, %s) = true, want false", s)
		}
	}
}
