package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"econempire/internal/game"

	"github.com/fatih/color"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

type usersPayload struct {
	Users []game.Profile `json:"users"`
}

type tariffRatesPayload struct {
	TariffRates []game.TariffRate `json:"tariff_rates"`
}

type tariffResultsPayload struct {
	Results []game.TariffChangeResult `json:"results"`
}

type historyPayload struct {
	History []game.HistoryEntry `json:"history"`
}

type matrixPayload struct {
	Matrix game.TariffMatrix `json:"matrix"`
}

type chatPayload struct {
	Messages []game.ChatMessage `json:"messages"`
}

type tradesPayload struct {
	Trades []game.Trade `json:"trades"`
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptTariffChanges collects product/country/rate lines until the user
// enters an empty product.
func promptTariffChanges() ([]map[string]any, error) {
	printInfo("Enter tariff changes. Leave product empty to finish.")
	printInfo("Products: " + strings.Join(game.Products, ", "))
	printInfo("Countries: " + strings.Join(game.Countries, ", "))
	var changes []map[string]any
	for {
		product, err := promptOptional("Product")
		if err != nil {
			return nil, err
		}
		if product == "" {
			return changes, nil
		}
		if !game.ValidProduct(product) {
			printWarn("Unknown product " + product)
			continue
		}
		toCountry, err := promptRequired("To country")
		if err != nil {
			return nil, err
		}
		if !game.ValidCountry(toCountry) {
			printWarn("Unknown country " + toCountry)
			continue
		}
		rateText, err := promptRequired("Rate (0-100)")
		if err != nil {
			return nil, err
		}
		rate, err := strconv.ParseFloat(rateText, 64)
		if err != nil || !game.ValidRate(rate) {
			printWarn("Rate must be a number between 0 and 100.")
			continue
		}
		changes = append(changes, map[string]any{
			"product":    product,
			"to_country": toCountry,
			"rate":       rate,
		})
	}
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("expected a positive integer, got %q", s)
	}
	return n, nil
}

func renderProfile(raw map[string]any) error {
	p, err := decodeInto[game.Profile](raw)
	if err != nil {
		return err
	}
	accent.Println("Profile")
	fmt.Printf("  Username: %s\n", p.Username)
	fmt.Printf("  Role:     %s\n", p.Role)
	if p.Country != "" {
		fmt.Printf("  Country:  %s\n", p.Country)
	}
	if p.GameID != "" {
		fmt.Printf("  Game:     %s (round %d)\n", p.GameID, p.CurrentRound)
	}
	return nil
}

func renderUsers(raw map[string]any) error {
	payload, err := decodeInto[usersPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("%-24s %-10s %-10s %-8s\n", "USERNAME", "ROLE", "COUNTRY", "ONLINE")
	for _, u := range payload.Users {
		online := ""
		if u.IsOnline {
			online = "yes"
		}
		fmt.Printf("%-24s %-10s %-10s %-8s\n", truncate(u.Username, 24), u.Role, u.Country, online)
	}
	return nil
}

func renderGame(raw map[string]any) error {
	g, err := decodeInto[game.GameView](raw)
	if err != nil {
		return err
	}
	accent.Println("Game " + g.ID)
	fmt.Printf("  Status: %s\n", g.Status)
	fmt.Printf("  Round:  %d / %d\n", g.CurrentRound, g.TotalRounds)
	return nil
}

func renderGameData(raw map[string]any) error {
	data, err := decodeInto[game.GameData](raw)
	if err != nil {
		return err
	}
	accent.Printf("Game %s — %s, round %d/%d\n", data.Game.ID, data.Game.Status, data.Game.CurrentRound, data.Game.TotalRounds)
	renderSupply("Production", toSupplyRows(data.Production, nil))
	renderSupply("Demand", toSupplyRows(nil, data.Demand))
	renderRates(data.TariffRates)
	return nil
}

func renderPlayerData(raw map[string]any) error {
	data, err := decodeInto[game.PlayerGameData](raw)
	if err != nil {
		return err
	}
	accent.Println("Country: " + data.Country)
	renderSupply("Production", toSupplyRows(data.Production, nil))
	renderSupply("Demand", toSupplyRows(nil, data.Demand))
	renderRates(data.TariffRates)
	return nil
}

type supplyRow struct {
	Round    int
	Country  string
	Product  string
	Quantity int
}

func toSupplyRows(production []game.ProductionRecord, demand []game.DemandRecord) []supplyRow {
	rows := make([]supplyRow, 0, len(production)+len(demand))
	for _, p := range production {
		rows = append(rows, supplyRow{p.RoundNumber, p.Country, p.Product, p.Quantity})
	}
	for _, d := range demand {
		rows = append(rows, supplyRow{d.RoundNumber, d.Country, d.Product, d.Quantity})
	}
	return rows
}

func renderSupply(title string, rows []supplyRow) {
	if len(rows) == 0 {
		return
	}
	accent.Println(title)
	fmt.Printf("  %-6s %-10s %-12s %s\n", "ROUND", "COUNTRY", "PRODUCT", "QTY")
	for _, r := range rows {
		fmt.Printf("  %-6d %-10s %-12s %d\n", r.Round, r.Country, r.Product, r.Quantity)
	}
}

func renderRates(rates []game.TariffRate) {
	if len(rates) == 0 {
		return
	}
	accent.Println("Tariff rates")
	fmt.Printf("  %-6s %-12s %-10s %-10s %s\n", "ROUND", "PRODUCT", "FROM", "TO", "RATE")
	for _, t := range rates {
		fmt.Printf("  %-6d %-12s %-10s %-10s %s\n", t.RoundNumber, t.Product, t.FromCountry, t.ToCountry, colorizeRate(t.Rate))
	}
}

func renderTariffResults(raw map[string]any) error {
	payload, err := decodeInto[tariffResultsPayload](raw)
	if err != nil {
		return err
	}
	for _, r := range payload.Results {
		if r.Success {
			printSuccess(fmt.Sprintf("%s -> %s: %.1f%% (%s)", r.Product, r.ToCountry, r.Rate, r.Action))
		} else {
			printError(fmt.Sprintf("%s -> %s: %s", r.Product, r.ToCountry, r.Error))
		}
	}
	return nil
}

func renderTariffRates(raw map[string]any) error {
	payload, err := decodeInto[tariffRatesPayload](raw)
	if err != nil {
		return err
	}
	if len(payload.TariffRates) == 0 {
		printInfo("No tariff rates found.")
		return nil
	}
	renderRates(payload.TariffRates)
	return nil
}

func renderTariffHistory(raw map[string]any) error {
	payload, err := decodeInto[historyPayload](raw)
	if err != nil {
		return err
	}
	if len(payload.History) == 0 {
		printInfo("No submissions yet.")
		return nil
	}
	for _, entry := range payload.History {
		accent.Printf("Round %d — %s (by %s)\n", entry.Round, entry.Country, entry.Submitter.Username)
		for product, t := range entry.Tariffs {
			fmt.Printf("  %-12s -> %-10s %s\n", product, t.ToCountry, colorizeRate(t.Rate))
		}
	}
	return nil
}

func renderTariffMatrix(raw map[string]any, product string) error {
	payload, err := decodeInto[matrixPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("Matrix for " + product)
	fmt.Printf("%-10s", "")
	for _, to := range game.Countries {
		fmt.Printf(" %-10s", to)
	}
	fmt.Println()
	for _, from := range game.Countries {
		fmt.Printf("%-10s", from)
		for _, to := range game.Countries {
			cell, ok := payload.Matrix[from][to]
			if !ok {
				fmt.Printf(" %-10s", "-")
				continue
			}
			fmt.Printf(" %-10s", fmt.Sprintf("%.1f (r%d)", cell.Rate, cell.RoundNumber))
		}
		fmt.Println()
	}
	return nil
}

func renderTariffStatus(raw map[string]any) error {
	status, err := decodeInto[game.TariffStatus](raw)
	if err != nil {
		return err
	}
	if status.CanSubmitTariffs {
		printSuccess("You can submit tariffs this round.")
	} else {
		printWarn("Cannot submit: " + status.Reason)
	}
	if len(status.ProducedProducts) > 0 {
		fmt.Printf("  Produces:  %s\n", strings.Join(status.ProducedProducts, ", "))
	}
	if len(status.SubmittedProducts) > 0 {
		fmt.Printf("  Submitted: %s\n", strings.Join(status.SubmittedProducts, ", "))
	}
	return nil
}

func renderChatMessages(raw map[string]any) error {
	payload, err := decodeInto[chatPayload](raw)
	if err != nil {
		return err
	}
	if len(payload.Messages) == 0 {
		printInfo("No messages.")
		return nil
	}
	for _, m := range payload.Messages {
		ts := m.SentAt.Local().Format("15:04")
		if m.MessageType == game.ChatScopePrivate {
			warn.Printf("[%s] %s -> %s: %s\n", ts, m.SenderCountry, m.RecipientCountry, m.Content)
		} else {
			fmt.Printf("[%s] %s: %s\n", ts, m.SenderCountry, m.Content)
		}
	}
	return nil
}

func renderTrades(raw map[string]any) error {
	payload, err := decodeInto[tradesPayload](raw)
	if err != nil {
		return err
	}
	if len(payload.Trades) == 0 {
		printInfo("No pending trades.")
		return nil
	}
	for _, t := range payload.Trades {
		accent.Println("Trade " + t.TradeID)
		fmt.Printf("  From:  %s\n", t.FromUserID)
		fmt.Printf("  Offer: %s\n", string(t.Offer))
		fmt.Printf("  Since: %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func colorizeRate(rate float64) string {
	text := fmt.Sprintf("%.1f%%", rate)
	switch {
	case rate >= 50:
		return danger.Sprint(text)
	case rate >= 20:
		return warn.Sprint(text)
	default:
		return success.Sprint(text)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
