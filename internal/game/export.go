package game

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
)

// ExportGameCSV streams a game's production, demand, and tariff rows as one
// flat CSV keyed by record_type. Operator only.
func (s *Service) ExportGameCSV(ctx context.Context, actor Profile, gameID string, w io.Writer) error {
	if actor.Role != RoleOperator {
		return ErrForbidden
	}
	snap, err := s.Snapshot(ctx, gameID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"record_type", "round_number", "country", "product", "quantity", "to_country", "rate", "submitted_at"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, p := range snap.Production {
		rec := []string{"production", strconv.Itoa(p.RoundNumber), p.Country, p.Product, strconv.Itoa(p.Quantity), "", "", ""}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	for _, d := range snap.Demand {
		rec := []string{"demand", strconv.Itoa(d.RoundNumber), d.Country, d.Product, strconv.Itoa(d.Quantity), "", "", ""}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	for _, t := range snap.TariffRates {
		rec := []string{
			"tariff", strconv.Itoa(t.RoundNumber), t.FromCountry, t.Product, "",
			t.ToCountry, strconv.FormatFloat(t.Rate, 'f', 2, 64), t.SubmittedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
