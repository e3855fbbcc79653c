package events

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

const (
	defaultHistoryKeyPrefix = "pharmacy:reservations:"
	defaultHistoryTTL       = 30 * 24 * time.Hour
	defaultHistoryLimit     = 50
	maxResponseSizeBytes    = 2 << 20
)

var ErrInvalidUser = errors.New("user id is empty")

// RedisHistoryOption customizes RedisHistory.
type RedisHistoryOption func(*RedisHistory)

func WithKeyPrefix(prefix string) RedisHistoryOption {
	return func(h *RedisHistory) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			h.keyPrefix = trimmed
		}
	}
}

func WithHTTPClient(client *http.Client) RedisHistoryOption {
	return func(h *RedisHistory) {
		if client != nil {
			h.httpClient = client
		}
	}
}

// RedisHistory keeps a capped per-user list of reservation events in
// Upstash Redis via its REST API.
type RedisHistory struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
	limit      int
}

var _ Sink = (*RedisHistory)(nil)

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type RedisHistoryConfig struct {
	URL        string        `envconfig:"URL" split_words:"true"`
	Token      string        `envconfig:"TOKEN" split_words:"true"`
	Timeout    time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	HistoryTTL time.Duration `envconfig:"HISTORY_TTL" split_words:"true" default:"720h"`
	Limit      int           `envconfig:"HISTORY_LIMIT" split_words:"true" default:"50"`
}

func (c RedisHistoryConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

func NewRedisHistory(cfg RedisHistoryConfig, opts ...RedisHistoryOption) (*RedisHistory, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.HistoryTTL
	if ttl < 0 {
		return nil, errors.New("history ttl must be >= 0")
	}
	if ttl == 0 {
		ttl = defaultHistoryTTL
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	h := &RedisHistory{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		keyPrefix: defaultHistoryKeyPrefix,
		ttl:       ttl,
		limit:     limit,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	return h, nil
}

// Publish prepends each event to its user's list, trims the list and
// refreshes its expiry.
func (h *RedisHistory) Publish(ctx context.Context, batch []Event) error {
	byUser := make(map[string][]Event)
	order := make([]string, 0)
	for _, ev := range batch {
		if _, seen := byUser[ev.UserID]; !seen {
			order = append(order, ev.UserID)
		}
		byUser[ev.UserID] = append(byUser[ev.UserID], ev)
	}

	for _, userID := range order {
		key, err := h.historyKey(userID)
		if err != nil {
			return err
		}

		cmd := []any{"LPUSH", key}
		for _, ev := range byUser[userID] {
			payload, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			cmd = append(cmd, string(payload))
		}

		if _, err := h.exec(ctx, cmd); err != nil {
			return err
		}
		if _, err := h.exec(ctx, []any{"LTRIM", key, 0, h.limit - 1}); err != nil {
			return err
		}
		if _, err := h.exec(ctx, []any{"EXPIRE", key, ttlSeconds(h.ttl)}); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to n of the user's most recent events, newest first.
func (h *RedisHistory) Recent(ctx context.Context, userID string, n int) ([]Event, error) {
	key, err := h.historyKey(userID)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > h.limit {
		n = h.limit
	}

	resp, err := h.exec(ctx, []any{"LRANGE", key, 0, n - 1})
	if err != nil {
		return nil, err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, nil
	}

	var encoded []string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("decode history payload: %w", err)
	}

	out := make([]Event, 0, len(encoded))
	for _, item := range encoded {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal history event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (h *RedisHistory) historyKey(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrInvalidUser
	}
	prefix := strings.TrimSpace(h.keyPrefix)
	if prefix == "" {
		prefix = defaultHistoryKeyPrefix
	}
	return prefix + userID, nil
}

func (h *RedisHistory) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if h == nil {
		return nil, errors.New("nil history store")
	}
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
