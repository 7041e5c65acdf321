package cache

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

	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

const defaultKVPrefix = "geocode:"

type KVOption func(*KV)

func WithHTTPClient(hc *http.Client) KVOption {
	return func(k *KV) { k.httpClient = hc }
}

// WithPrefix namespaces keys in the shared store.
func WithPrefix(prefix string) KVOption {
	return func(k *KV) { k.prefix = prefix }
}

// KV is a client for a REST key-value service (Upstash/Vercel KV style):
// GET {base}/get/{key} and POST {base}/set/{key}, bearer authenticated,
// answering {"result": ...} or {"error": ...}.
type KV struct {
	baseURL    string
	token      string
	prefix     string
	httpClient *http.Client
}

func NewKV(baseURL, token string, opts ...KVOption) *KV {
	k := &KV{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		prefix:     defaultKVPrefix,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

type kvResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type storedCoordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (k *KV) endpoint(op, key string) string {
	return k.baseURL + "/" + op + "/" + url.PathEscape(k.prefix+key)
}

func (k *KV) do(req *http.Request) (json.RawMessage, error) {
	req.Header.Set("Authorization", "Bearer "+k.token)

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error calling kv store: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("error reading kv response: %w", err)
	}

	var out kvResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("error decoding kv response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		return nil, fmt.Errorf("kv store returned status %d: %s", resp.StatusCode, out.Error)
	}
	return out.Result, nil
}

func (k *KV) Get(ctx context.Context, key string) (models.Coordinates, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.endpoint("get", key), nil)
	if err != nil {
		return models.Coordinates{}, false, fmt.Errorf("error creating kv request: %w", err)
	}

	result, err := k.do(req)
	if err != nil {
		return models.Coordinates{}, false, err
	}
	if len(result) == 0 || string(result) == "null" {
		return models.Coordinates{}, false, nil
	}

	// Values are stored as JSON strings.
	var raw string
	if err := json.Unmarshal(result, &raw); err != nil {
		return models.Coordinates{}, false, fmt.Errorf("error decoding kv value: %w", err)
	}
	var stored storedCoordinates
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return models.Coordinates{}, false, fmt.Errorf("error decoding cached coordinates: %w", err)
	}

	c := models.Coordinates{Lat: stored.Lat, Lng: stored.Lng}
	if !c.Valid() {
		return models.Coordinates{}, false, errors.New("cached coordinates out of range")
	}
	return c, true, nil
}

func (k *KV) Put(ctx context.Context, key string, c models.Coordinates) error {
	value, err := json.Marshal(storedCoordinates{Lat: c.Lat, Lng: c.Lng})
	if err != nil {
		return fmt.Errorf("error encoding coordinates: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.endpoint("set", key), bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("error creating kv request: %w", err)
	}

	_, err = k.do(req)
	return err
}
