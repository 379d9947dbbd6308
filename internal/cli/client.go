package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"econempire/internal/auth"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Signup(ctx context.Context, email, password, username string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":    email,
		"password": password,
		"username": username,
	}, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out)
	return out, err
}

func (c *Client) Profile(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/api/auth/profile", accessToken, nil, &out)
	return out, err
}

func (c *Client) ListUsers(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/api/users", accessToken, nil, &out)
	return out, err
}

func (c *Client) PromoteUser(ctx context.Context, accessToken, userID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/api/users/"+url.PathEscape(userID)+"/promote", accessToken, map[string]any{}, &out)
	return out, err
}

func (c *Client) CreateGame(ctx context.Context, accessToken string, totalRounds int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/api/game/create", accessToken, map[string]any{
		"total_rounds": totalRounds,
	}, &out)
	return out, err
}

func (c *Client) GameTransition(ctx context.Context, accessToken, gameID, action string) (map[string]any, error) {
	var out map[string]any
	path := "/api/game/" + url.PathEscape(gameID) + "/" + action
	err := c.jsonRequest(ctx, http.MethodPost, path, accessToken, nil, &out)
	return out, err
}

func (c *Client) GameData(ctx context.Context, accessToken, gameID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/api/game/"+url.PathEscape(gameID), accessToken, nil, &out)
	return out, err
}

func (c *Client) PlayerData(ctx context.Context, accessToken, gameID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/api/game/"+url.PathEscape(gameID)+"/player", accessToken, nil, &out)
	return out, err
}

func (c *Client) SubmitTariffs(ctx context.Context, accessToken, gameID string, changes []map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/api/tariff/submit", accessToken, map[string]any{
		"game_id": gameID,
		"changes": changes,
	}, &out)
	return out, err
}

func (c *Client) TariffRates(ctx context.Context, accessToken, gameID string, query url.Values) (map[string]any, error) {
	path := "/api/tariff/rates/" + url.PathEscape(gameID)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out)
	return out, err
}

func (c *Client) TariffHistory(ctx context.Context, accessToken, gameID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/api/tariff/history/"+url.PathEscape(gameID), accessToken, nil, &out)
	return out, err
}

func (c *Client) TariffMatrix(ctx context.Context, accessToken, gameID, product string, roundNumber int) (map[string]any, error) {
	path := "/api/tariff/matrix/" + url.PathEscape(gameID) + "/" + url.PathEscape(product)
	if roundNumber > 0 {
		path += "?round_number=" + strconv.Itoa(roundNumber)
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out)
	return out, err
}

func (c *Client) TariffStatus(ctx context.Context, accessToken, gameID string, roundNumber int) (map[string]any, error) {
	path := "/api/tariff/status/" + url.PathEscape(gameID) + "/" + strconv.Itoa(roundNumber)
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, accessToken, gameID, scope, recipient, content string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/api/chat/message", accessToken, map[string]any{
		"game_id":           gameID,
		"scope":             scope,
		"recipient_country": recipient,
		"content":           content,
	}, &out)
	return out, err
}

func (c *Client) ChatMessages(ctx context.Context, accessToken, gameID string, limit int) (map[string]any, error) {
	path := "/api/chat/" + url.PathEscape(gameID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out)
	return out, err
}

func (c *Client) PendingTrades(ctx context.Context, accessToken, gameID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/api/trades/"+url.PathEscape(gameID)+"/pending", accessToken, nil, &out)
	return out, err
}

// ExportCSV streams a game export to w.
func (c *Client) ExportCSV(ctx context.Context, accessToken, gameID string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/export/"+url.PathEscape(gameID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// Do replays an arbitrary queued command. Used by the offline sync flow.
func (c *Client) Do(ctx context.Context, method, path, accessToken string, body map[string]any) (map[string]any, error) {
	var out map[string]any
	var in any
	if body != nil {
		in = body
	}
	err := c.jsonRequest(ctx, method, path, accessToken, in, &out)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
