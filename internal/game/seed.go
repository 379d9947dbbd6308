package game

import (
	"context"
	"math/rand"

	"github.com/jackc/pgx/v5"
)

type seedEntry struct {
	Country  string
	Product  string
	Quantity int
}

// generateRoundData builds the production and demand tables for one round.
// Each product is made by 2-3 randomly chosen countries splitting 100 units
// of supply; the remaining countries split 100 units of demand for it. Every
// share is at least 1 unit.
func generateRoundData(rng *rand.Rand) (production, demand []seedEntry) {
	for _, product := range Products {
		countries := make([]string, len(Countries))
		copy(countries, Countries)
		rng.Shuffle(len(countries), func(i, j int) {
			countries[i], countries[j] = countries[j], countries[i]
		})

		numProducers := 2 + rng.Intn(2)
		producers := countries[:numProducers]
		consumers := countries[numProducers:]

		for i, qty := range splitUnits(rng, 100, numProducers) {
			production = append(production, seedEntry{producers[i], product, qty})
		}
		for i, qty := range splitUnits(rng, 100, len(consumers)) {
			demand = append(demand, seedEntry{consumers[i], product, qty})
		}
	}
	return production, demand
}

// splitUnits divides total into n positive shares that sum exactly to total.
func splitUnits(rng *rand.Rand, total, n int) []int {
	shares := make([]int, n)
	remaining := total
	for i := 0; i < n-1; i++ {
		max := remaining - (n - 1 - i)
		qty := 1
		if max > 1 {
			qty = 1 + rng.Intn(max)
		}
		shares[i] = qty
		remaining -= qty
	}
	shares[n-1] = remaining
	return shares
}

// seedRoundData writes a fresh round's production and demand inside the
// caller's transaction so a failed seed rolls the whole round back.
func (s *Service) seedRoundData(ctx context.Context, tx pgx.Tx, gameID string, roundNumber int) error {
	s.mu.Lock()
	production, demand := generateRoundData(s.rand)
	s.mu.Unlock()

	for _, e := range production {
		if _, err := tx.Exec(ctx, `
			INSERT INTO production (game_id, round_number, country, product, quantity)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (game_id, round_number, country, product)
			DO UPDATE SET quantity = EXCLUDED.quantity
		`, gameID, roundNumber, e.Country, e.Product, e.Quantity); err != nil {
			return err
		}
	}
	for _, e := range demand {
		if _, err := tx.Exec(ctx, `
			INSERT INTO demand (game_id, round_number, country, product, quantity)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (game_id, round_number, country, product)
			DO UPDATE SET quantity = EXCLUDED.quantity
		`, gameID, roundNumber, e.Country, e.Product, e.Quantity); err != nil {
			return err
		}
	}
	return nil
}
