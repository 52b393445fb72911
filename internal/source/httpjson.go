package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perfwatch/internal/version"
)

// HTTPJSONOptions parameterise the JSON endpoint source.
type HTTPJSONOptions struct {
	URL       string
	Field     string
	Timeout   time.Duration
	UserAgent string
}

// HTTPJSON reads one numeric field from a JSON document served over HTTP.
type HTTPJSON struct {
	opts   HTTPJSONOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPJSON constructs an HTTP JSON source.
func NewHTTPJSON(opts HTTPJSONOptions, logger zerolog.Logger) *HTTPJSON {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPJSON{
		opts:   opts,
		logger: logger.With().Str("component", "http_source").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// GetCurrentValue fetches the document and extracts the configured field.
// The field is a dotted path; an empty field means the body itself is the number.
func (h *HTTPJSON) GetCurrentValue(ctx context.Context, metric string) (float64, error) {
	if h.opts.URL == "" {
		return 0, errors.New("http source url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.opts.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, parseHTTPError(resp.StatusCode, payload)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode %s: %w", metric, err)
	}

	value, err := extractField(doc, h.opts.Field)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", metric, err)
	}

	h.logger.Debug().Str("metric", metric).Float64("value", value).Msg("http source sampled")
	return value, nil
}

func extractField(doc any, field string) (float64, error) {
	cur := doc
	if field != "" {
		for _, part := range strings.Split(field, ".") {
			obj, ok := cur.(map[string]any)
			if !ok {
				return 0, fmt.Errorf("field %q: %q is not an object", field, part)
			}
			next, ok := obj[part]
			if !ok {
				return 0, fmt.Errorf("field %q not found", field)
			}
			cur = next
		}
	}

	var raw string
	switch v := cur.(type) {
	case json.Number:
		raw = v.String()
	case string:
		raw = strings.TrimSpace(v)
	default:
		return 0, fmt.Errorf("field %q is not numeric", field)
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse field %q: %w", field, err)
	}
	f, _ := d.Float64()
	return f, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("http source error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("http source error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("http source error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("http source error (%d)", status)
}

var _ Source = (*HTTPJSON)(nil)
