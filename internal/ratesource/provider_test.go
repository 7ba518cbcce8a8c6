package ratesource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestProvider(baseURL string) *Provider {
	return NewProvider(ProviderOptions{
		ProtocolID:   1,
		ProtocolName: "bravo",
		BaseURL:      baseURL,
		WindowHours:  48,
		Timeout:      time.Second,
		UserAgent:    "test",
	}, noopLogger())
}

func TestFetchTakesLastElementTimesHundred(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if req["bucket_type"] != "daily" {
			t.Fatalf("expected daily bucket_type, got %v", req["bucket_type"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"apy": []map[string]float64{
				{"data": 0.071},
				{"data": 0.072},
			},
		})
	}))
	defer srv.Close()

	obs, err := newTestProvider(srv.URL).FetchCurrentAPY(context.Background())
	if err != nil {
		t.Fatalf("fetch should succeed: %v", err)
	}
	// Last element, not the first, not an average.
	if !obs.APYPercent.Equal(decimal.NewFromFloat(7.2)) {
		t.Fatalf("expected 7.2%%, got %s", obs.APYPercent)
	}
	if obs.ProtocolID != 1 || obs.ProtocolName != "bravo" {
		t.Fatalf("observation mislabeled: %+v", obs)
	}
}

func TestFetchEmptySeriesIsDataInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"apy": []any{}})
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).FetchCurrentAPY(context.Background())
	if !errors.Is(err, ErrSourceDataInvalid) {
		t.Fatalf("empty series must be ErrSourceDataInvalid, got %v", err)
	}
}

func TestFetchNonFiniteDatapointIsDataInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"apy":[{"data":1e999}]}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).FetchCurrentAPY(context.Background())
	if !errors.Is(err, ErrSourceDataInvalid) {
		t.Fatalf("non-finite datapoint must be ErrSourceDataInvalid, got %v", err)
	}
}

func TestFetchMalformedBodyIsDataInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).FetchCurrentAPY(context.Background())
	if !errors.Is(err, ErrSourceDataInvalid) {
		t.Fatalf("malformed body must be ErrSourceDataInvalid, got %v", err)
	}
}

func TestFetchHTTPErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).FetchCurrentAPY(context.Background())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("HTTP 500 must be ErrSourceUnavailable, got %v", err)
	}
}

func TestFetchTransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	_, err := newTestProvider(srv.URL).FetchCurrentAPY(context.Background())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("connection failure must be ErrSourceUnavailable, got %v", err)
	}
}

func TestFetchMissingBaseURL(t *testing.T) {
	provider := NewProvider(ProviderOptions{ProtocolID: 1, ProtocolName: "bravo"}, noopLogger())
	if _, err := provider.FetchCurrentAPY(context.Background()); err == nil {
		t.Fatal("missing base url should error")
	}
}
