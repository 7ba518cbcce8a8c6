package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"yield-pilot/internal/storage"
)

// Export renders cycle history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	cycles, err := store.ListCyclesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		a.Logger.Info().Msg("no cycles found for export window")
		return nil
	}

	downsampled := downsampleCycles(cycles, opts.MaxPoints)
	a.Logger.Info().Int("total", len(cycles)).Int("exported", len(downsampled)).Msg("exporting cycles")

	if opts.CSVPath != "" {
		if err := writeCyclesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeCyclesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleCycles(cycles []storage.CycleRecord, max int) []storage.CycleRecord {
	if max <= 0 || len(cycles) <= max {
		return cycles
	}

	result := make([]storage.CycleRecord, 0, max)
	step := float64(len(cycles)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(cycles) {
			idx = len(cycles) - 1
		}
		result = append(result, cycles[idx])
	}
	return result
}

func writeCyclesCSV(path string, cycles []storage.CycleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"bucket_ts", "outcome", "stage", "current_protocol", "current_apy_bps", "target_protocol", "target_apy_bps", "diff_pct", "tx_hash", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, cycle := range cycles {
		errMsg := ""
		if cycle.Error != nil {
			errMsg = *cycle.Error
		}
		tx := ""
		if cycle.TxHash != nil {
			tx = *cycle.TxHash
		}
		record := []string{
			cycle.Bucket.Format(time.RFC3339),
			cycle.Outcome,
			cycle.Stage,
			strconv.Itoa(cycle.CurrentProtocol),
			strconv.FormatInt(cycle.CurrentAPYBps, 10),
			strconv.Itoa(cycle.TargetProtocol),
			strconv.FormatInt(cycle.TargetAPYBps, 10),
			cycle.DiffPct,
			tx,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeCyclesPNG(path string, cycles []storage.CycleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(cycles))
	current := make([]float64, len(cycles))
	best := make([]float64, len(cycles))

	for i, cycle := range cycles {
		x[i] = cycle.Bucket
		current[i] = float64(cycle.CurrentAPYBps) / 100.0
		best[i] = bestObservedPct(cycle)
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "APY (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Current allocation",
				XValues: x,
				YValues: current,
			},
			chart.TimeSeries{
				Name:    "Best candidate",
				XValues: x,
				YValues: best,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func bestObservedPct(cycle storage.CycleRecord) float64 {
	var rates []storage.ObservedRate
	if err := json.Unmarshal(cycle.Rates, &rates); err != nil {
		return 0
	}
	best := decimal.Zero
	for _, rate := range rates {
		pct, err := decimal.NewFromString(rate.APYPct)
		if err != nil {
			continue
		}
		if pct.GreaterThan(best) {
			best = pct
		}
	}
	value, _ := best.Float64()
	return value
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
