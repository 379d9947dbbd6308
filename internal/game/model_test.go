package game

import "testing"

func TestFinalRateSelfTariff(t *testing.T) {
	if got := FinalRate("USA", "USA", 42); got != 0 {
		t.Fatalf("self-tariff should be neutralized, got %v", got)
	}
	if got := FinalRate("USA", "China", 42); got != 42 {
		t.Fatalf("cross-country rate should pass through, got %v", got)
	}
}

func TestValidRate(t *testing.T) {
	valid := []float64{0, 0.5, 50, 100}
	for _, r := range valid {
		if !ValidRate(r) {
			t.Fatalf("expected rate %v to be valid", r)
		}
	}
	invalid := []float64{-0.1, 100.1, 500}
	for _, r := range invalid {
		if ValidRate(r) {
			t.Fatalf("expected rate %v to be rejected", r)
		}
	}
}

func TestRosterValidation(t *testing.T) {
	for _, c := range Countries {
		if !ValidCountry(c) {
			t.Fatalf("roster country %q rejected", c)
		}
	}
	for _, p := range Products {
		if !ValidProduct(p) {
			t.Fatalf("roster product %q rejected", p)
		}
	}
	if ValidCountry("Atlantis") {
		t.Fatalf("unknown country accepted")
	}
	if ValidProduct("Spice") {
		t.Fatalf("unknown product accepted")
	}
}

func TestQuorumErrorMessage(t *testing.T) {
	err := &QuorumError{Online: 3, Required: StartQuorum}
	want := "need 5 players online, currently have 3"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}

func TestUsernameFromEmail(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"Alice.Smith@example.com", "alice_smith"},
		{"bob+test@example.com", "bob_test"},
		{"a@example.com", "player_a"},
	}
	for _, tc := range tests {
		if got := usernameFromEmail(tc.email); got != tc.want {
			t.Fatalf("usernameFromEmail(%q)=%q want %q", tc.email, got, tc.want)
		}
	}
}
