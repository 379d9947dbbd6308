package game

import (
	"math/rand"
	"testing"
)

func TestGenerateRoundDataTotals(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 50; iter++ {
		production, demand := generateRoundData(rng)

		prodByProduct := make(map[string]int)
		producers := make(map[string]map[string]bool)
		for _, e := range production {
			if e.Quantity < 1 {
				t.Fatalf("production share must be positive, got %d for %s/%s", e.Quantity, e.Country, e.Product)
			}
			prodByProduct[e.Product] += e.Quantity
			if producers[e.Product] == nil {
				producers[e.Product] = make(map[string]bool)
			}
			producers[e.Product][e.Country] = true
		}
		demandByProduct := make(map[string]int)
		for _, e := range demand {
			if e.Quantity < 1 {
				t.Fatalf("demand share must be positive, got %d for %s/%s", e.Quantity, e.Country, e.Product)
			}
			demandByProduct[e.Product] += e.Quantity
			if producers[e.Product][e.Country] {
				t.Fatalf("%s both produces and demands %s", e.Country, e.Product)
			}
		}

		for _, product := range Products {
			if prodByProduct[product] != 100 {
				t.Fatalf("production for %s sums to %d, want 100", product, prodByProduct[product])
			}
			if demandByProduct[product] != 100 {
				t.Fatalf("demand for %s sums to %d, want 100", product, demandByProduct[product])
			}
			n := len(producers[product])
			if n < 2 || n > 3 {
				t.Fatalf("%s has %d producers, want 2 or 3", product, n)
			}
		}
	}
}

func TestSplitUnitsExact(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for n := 1; n <= 5; n++ {
		shares := splitUnits(rng, 100, n)
		if len(shares) != n {
			t.Fatalf("got %d shares want %d", len(shares), n)
		}
		total := 0
		for _, s := range shares {
			if s < 1 {
				t.Fatalf("share must be positive, got %d", s)
			}
			total += s
		}
		if total != 100 {
			t.Fatalf("shares sum to %d, want 100", total)
		}
	}
}
