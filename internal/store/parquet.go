package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"

	"tickdeck/internal/domain"
)

// CandleArchive persists fetched candle series for offline analysis. The
// archive is write-only from the gateway's point of view; ReadSeries exists
// for tooling and tests.
type CandleArchive interface {
	// WriteSeries merges the series into the archive for its (symbol, range).
	WriteSeries(series domain.CandleSeries) error
}

// Compile-time interface check.
var _ CandleArchive = (*ParquetArchive)(nil)

// ParquetArchive implements CandleArchive using Parquet files on disk.
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates an archive rooted at the given data directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// CandleRecord is the Parquet schema for archived candles.
type CandleRecord struct {
	Symbol   string  `parquet:"symbol"`
	OpenTime int64   `parquet:"open_time,timestamp(millisecond)"` // Unix ms
	Open     float64 `parquet:"open"`
	High     float64 `parquet:"high"`
	Low      float64 `parquet:"low"`
	Close    float64 `parquet:"close"`
}

// WriteSeries merges the candles into the archive file for the series'
// (symbol, range). Existing records with the same open time are replaced by
// incoming ones; the file stays sorted by open time.
func (a *ParquetArchive) WriteSeries(series domain.CandleSeries) error {
	if len(series.Candles) == 0 {
		return nil
	}

	incoming := make([]CandleRecord, 0, len(series.Candles))
	for _, c := range series.Candles {
		incoming = append(incoming, CandleRecord{
			Symbol:   series.Symbol,
			OpenTime: c.OpenTime.UnixMilli(),
			Open:     c.Open,
			High:     c.High,
			Low:      c.Low,
			Close:    c.Close,
		})
	}

	path := a.seriesPath(series.Symbol, series.Range)
	existing, _ := readParquetFile[CandleRecord](path)
	merged := mergeCandleRecords(existing, incoming)

	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("archiving candles for %s/%s: %w", series.Symbol, series.Range, err)
	}
	return nil
}

// ReadSeries returns all archived records for a (symbol, range), sorted by
// open time. A missing file reads as empty.
func (a *ParquetArchive) ReadSeries(symbol string, r domain.Range) ([]CandleRecord, error) {
	path := a.seriesPath(symbol, r)
	records, err := readParquetFile[CandleRecord](path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading archive for %s/%s: %w", symbol, r, err)
	}
	return records, nil
}

// seriesPath returns the archive file path.
// Layout: <dataDir>/candles/<SYMBOL>/<range>.parquet
func (a *ParquetArchive) seriesPath(symbol string, r domain.Range) string {
	return filepath.Join(a.DataDir, "candles", strings.ToUpper(symbol), string(r)+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeCandleRecords deduplicates records by open time, preferring incoming
// over existing. Results are sorted by open time.
func mergeCandleRecords(existing, incoming []CandleRecord) []CandleRecord {
	seen := make(map[int64]CandleRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.OpenTime] = r
	}
	for _, r := range incoming {
		seen[r.OpenTime] = r
	}

	merged := make([]CandleRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].OpenTime < merged[j].OpenTime
	})
	return merged
}
