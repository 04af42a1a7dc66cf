package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnauthorized is returned for 401 responses, including failed logins.
var ErrUnauthorized = errors.New("unauthorized")

// Client is the HTTP booking API client. A Client is bound to one token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// WithToken returns a copy of c sending token as bearer credentials.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

func (c *Client) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	var out AuthResult
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("login response carried no token")
	}
	return &out, nil
}

func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *Client) ListBookings(ctx context.Context) ([]Booking, error) {
	var bookings []Booking
	if err := c.do(ctx, http.MethodGet, "/bookings", nil, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

func (c *Client) CheckAvailability(ctx context.Context, q AvailabilityQuery) (*Availability, error) {
	params := url.Values{}
	params.Set("startTime", q.StartTime.Format(time.RFC3339))
	params.Set("endTime", q.EndTime.Format(time.RFC3339))
	if q.RoomName != "" {
		params.Set("roomName", q.RoomName)
	}

	var out Availability
	if err := c.do(ctx, http.MethodGet, "/rooms/availability?"+params.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateBooking(ctx context.Context, req BookingRequest) (*Booking, error) {
	var out Booking
	if err := c.do(ctx, http.MethodPost, "/bookings", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelBooking(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/bookings/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CancelAllBookings(ctx context.Context) (int, error) {
	var out struct {
		Cancelled int `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodDelete, "/bookings", nil, &out); err != nil {
		return 0, err
	}
	return out.Cancelled, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 300:
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, apiMessage(respBody))
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// apiMessage prefers the {"error": "..."} field when present.
func apiMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(body))
}
