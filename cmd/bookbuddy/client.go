package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/avvvet/bookbuddy-intent/internal/transport"
)

// client talks to the intent service over NATS request/reply.
type client struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
}

func dial(url, prefix string, timeout time.Duration) (*client, error) {
	conn, err := nats.Connect(url, nats.Name("bookbuddy-cli"), nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &client{conn: conn, prefix: prefix, timeout: timeout}, nil
}

func (c *client) Close() { c.conn.Close() }

func request[Resp any](c *client, op string, req any) (*Resp, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	msg, err := c.conn.Request(transport.Subject(c.prefix, op), data, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	var resp Resp
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return &resp, nil
}

// sessionFile remembers the current session id between invocations.
type sessionFile struct {
	path string
}

func defaultSessionFile() sessionFile {
	home, err := os.UserHomeDir()
	if err != nil {
		return sessionFile{path: filepath.Join(".bookbuddy", "session")}
	}
	return sessionFile{path: filepath.Join(home, ".bookbuddy", "session")}
}

func (f sessionFile) Load() (string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (f sessionFile) Save(id string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	return os.WriteFile(f.path, []byte(id+"\n"), 0o600)
}

func (f sessionFile) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
