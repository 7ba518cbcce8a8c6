package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"yield-pilot/internal/payment"
	"yield-pilot/internal/storage"
)

// RunGate serves the agent's recorded APY history as a payment-gated
// resource. Each protocol's series is unlocked per request through the
// handshake; settlements are recorded in Postgres, so replay detection
// survives restarts. The database is mandatory here: both the sold resource
// and the settlement ledger live in it.
func (a *App) RunGate(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Gate.Receiver == "" {
		return errors.New("gate.receiver must be configured")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn must be configured; the gate serves recorded cycle history and stores settlements durably")
	}
	defer closeStore()

	price := decimal.NewFromFloat(a.Config.Gate.Price)
	gate := payment.NewGate(payment.GateOptions{
		Network:        a.Config.Gate.Network,
		Receiver:       a.Config.Gate.Receiver,
		Amount:         price.String(),
		Currency:       a.Config.Gate.Currency,
		RequirementTTL: a.Config.Gate.RequirementTTL,
	}, store, a.Logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/protocols/", a.protocolsHandler(store, gate))

	server := &http.Server{
		Addr:              a.Config.Gate.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.Config.Gate.ListenAddr).Msg("payment gate listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		a.Logger.Info().Msg("payment gate stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// apyPoint mirrors the rate provider wire format: a decimal fraction per
// daily bucket, ascending by time.
type apyPoint struct {
	Data float64 `json:"data"`
	TS   int64   `json:"ts"`
}

type apySeries struct {
	APY []apyPoint `json:"apy"`
}

// protocolsHandler rejects resources the gate cannot serve before the
// payment handshake begins, so a client is never charged for an unknown
// path.
func (a *App) protocolsHandler(store *storage.Store, gate *payment.Gate) http.Handler {
	series := gate.Guard(a.apySeriesHandler(store))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := parseProtocolPath(r.URL.Path); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		series.ServeHTTP(w, r)
	})
}

// apySeriesHandler answers GET /v1/protocols/{id}/apy from the cycle audit
// table.
func (a *App) apySeriesHandler(store *storage.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		protocolID, err := parseProtocolPath(r.URL.Path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		cycles, err := store.ListRecentCycles(r.Context(), 512)
		if err != nil {
			a.Logger.Error().Err(err).Msg("list cycles for gate response")
			http.Error(w, "history unavailable", http.StatusBadGateway)
			return
		}

		series := buildSeries(cycles, protocolID)
		if len(series.APY) == 0 {
			http.Error(w, "no observations for protocol", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(series); err != nil {
			a.Logger.Error().Err(err).Msg("encode gate response")
		}
	})
}

func parseProtocolPath(path string) (int, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// v1 / protocols / {id} / apy
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "protocols" || parts[3] != "apy" {
		return 0, errors.New("unknown resource")
	}
	id, err := strconv.Atoi(parts[2])
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid protocol id %q", parts[2])
	}
	return id, nil
}

// buildSeries extracts one protocol's observations, oldest first, converting
// percentages back to the provider-native decimal fraction.
func buildSeries(cycles []storage.CycleRecord, protocolID int) apySeries {
	series := apySeries{APY: make([]apyPoint, 0, len(cycles))}

	// ListRecentCycles returns newest first.
	for i := len(cycles) - 1; i >= 0; i-- {
		var rates []storage.ObservedRate
		if err := json.Unmarshal(cycles[i].Rates, &rates); err != nil {
			continue
		}
		for _, rate := range rates {
			if rate.ProtocolID != protocolID {
				continue
			}
			pct, err := decimal.NewFromString(rate.APYPct)
			if err != nil {
				continue
			}
			fraction, _ := pct.Div(decimal.NewFromInt(100)).Float64()
			series.APY = append(series.APY, apyPoint{
				Data: fraction,
				TS:   cycles[i].Bucket.Unix(),
			})
		}
	}
	return series
}
