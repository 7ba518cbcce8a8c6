package ratesource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const apySeriesPath = "/apy"

// ProviderOptions parameterise one HTTP rate provider.
type ProviderOptions struct {
	ProtocolID   int
	ProtocolName string
	BaseURL      string
	WindowHours  int
	Timeout      time.Duration
	UserAgent    string

	// Client lets callers route requests through a payment-negotiating
	// transport. Defaults to a plain client with the configured timeout.
	Client *http.Client
}

// Provider fetches daily-bucketed APY series from an HTTP rate endpoint and
// reduces each response to a single current percentage.
type Provider struct {
	opts    ProviderOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewProvider constructs a rate provider client.
func NewProvider(opts ProviderOptions, logger zerolog.Logger) *Provider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.WindowHours <= 0 {
		opts.WindowHours = 48
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Provider{
		opts:    opts,
		logger:  logger.With().Str("component", "rate_provider").Str("protocol", opts.ProtocolName).Logger(),
		client:  client,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Protocol identifies the tracked protocol this provider serves.
func (p *Provider) Protocol() (int, string) {
	return p.opts.ProtocolID, p.opts.ProtocolName
}

type seriesRequest struct {
	BucketType  string      `json:"bucket_type"`
	RangeFilter rangeFilter `json:"range_filter"`
	SortBy      string      `json:"sort_by"`
}

type rangeFilter struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type seriesResponse struct {
	APY []seriesPoint `json:"apy"`
}

type seriesPoint struct {
	Data float64 `json:"data"`
}

// FetchCurrentAPY requests the recent daily-bucketed APY window and extracts
// the most recent datapoint as the current yield, converted from a decimal
// fraction to a percentage.
func (p *Provider) FetchCurrentAPY(ctx context.Context) (RateObservation, error) {
	if p.baseURL == "" {
		return RateObservation{}, fmt.Errorf("%w: base url not configured", ErrSourceUnavailable)
	}

	now := time.Now().UTC()
	payload := seriesRequest{
		BucketType: "daily",
		RangeFilter: rangeFilter{
			Start: now.Add(-time.Duration(p.opts.WindowHours) * time.Hour).Unix(),
			End:   now.Unix(),
		},
		SortBy: "asc",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return RateObservation{}, fmt.Errorf("marshal series request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+apySeriesPath, bytes.NewReader(body))
	if err != nil {
		return RateObservation{}, fmt.Errorf("create series request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return RateObservation{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return RateObservation{}, fmt.Errorf("%w: read body: %v", ErrSourceUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return RateObservation{}, fmt.Errorf("%w: status %d: %s", ErrSourceUnavailable, resp.StatusCode, strings.TrimSpace(string(payloadBytes)))
	}

	return p.decodeObservation(payloadBytes)
}

// decodeObservation is the validated-decode boundary: raw provider JSON in,
// strongly typed observation out, ErrSourceDataInvalid on anything unusable.
func (p *Provider) decodeObservation(raw []byte) (RateObservation, error) {
	var series seriesResponse
	if err := json.Unmarshal(raw, &series); err != nil {
		return RateObservation{}, fmt.Errorf("%w: decode series: %v", ErrSourceDataInvalid, err)
	}

	if len(series.APY) == 0 {
		return RateObservation{}, fmt.Errorf("%w: empty series", ErrSourceDataInvalid)
	}

	// Series is ascending by time; the last element is "current".
	last := series.APY[len(series.APY)-1].Data
	if math.IsNaN(last) || math.IsInf(last, 0) {
		return RateObservation{}, fmt.Errorf("%w: non-finite datapoint", ErrSourceDataInvalid)
	}

	pct := decimal.NewFromFloat(last).Mul(decimal.NewFromInt(100))

	p.logger.Debug().Str("apy_pct", pct.String()).Int("points", len(series.APY)).Msg("observation decoded")

	return RateObservation{
		ProtocolID:   p.opts.ProtocolID,
		ProtocolName: p.opts.ProtocolName,
		APYPercent:   pct,
	}, nil
}

var _ Fetcher = (*Provider)(nil)
