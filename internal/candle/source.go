package candle

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownSymbol   = errors.New("unknown symbol")
	ErrIndexOutOfRange = errors.New("candle index out of range")
)

// Source serves candle series loaded from <root>/<SYMBOL>.csv files.
// Series are read-mostly: loaded once on first access, never mutated after.
type Source struct {
	root string

	mu     sync.RWMutex
	series map[string]Series
}

// NewSource creates a Source over the given data root directory.
func NewSource(root string) *Source {
	return &Source{
		root:   root,
		series: make(map[string]Series),
	}
}

// Symbols lists the symbols available under the data root.
func (s *Source) Symbols() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read candle root: %w", err)
	}

	var symbols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		symbols = append(symbols, strings.TrimSuffix(name, ".csv"))
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Has reports whether a series exists for the symbol.
func (s *Source) Has(symbol string) bool {
	s.mu.RLock()
	_, ok := s.series[symbol]
	s.mu.RUnlock()
	if ok {
		return true
	}
	_, err := os.Stat(filepath.Join(s.root, symbol+".csv"))
	return err == nil
}

// Series returns the full candle sequence for a symbol, loading it on
// first access. Reading is a pure function of (symbol, index) thereafter.
func (s *Source) Series(symbol string) (Series, error) {
	s.mu.RLock()
	cached, ok := s.series[symbol]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	loaded, err := s.load(symbol)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	// Another goroutine may have loaded concurrently; first writer wins so
	// the cached slice is never replaced once handed out.
	if existing, ok := s.series[symbol]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.series[symbol] = loaded
	s.mu.Unlock()

	return loaded, nil
}

// At returns candle i of the symbol's series.
func (s *Source) At(symbol string, i int) (Candle, error) {
	series, err := s.Series(symbol)
	if err != nil {
		return Candle{}, err
	}
	if i < 0 || i >= len(series) {
		return Candle{}, fmt.Errorf("%w: %s[%d] of %d", ErrIndexOutOfRange, symbol, i, len(series))
	}
	return series[i], nil
}

// Len returns the series length for a symbol.
func (s *Source) Len(symbol string) (int, error) {
	series, err := s.Series(symbol)
	if err != nil {
		return 0, err
	}
	return len(series), nil
}

func (s *Source) load(symbol string) (Series, error) {
	f, err := os.Open(filepath.Join(s.root, symbol+".csv"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read %s header: %w", symbol, err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"date", "open", "high", "low", "close"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("%s.csv missing column %q", symbol, required)
		}
	}

	var series Series
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s line %d: %w", symbol, line, err)
		}
		line++

		c := Candle{Date: rec[col["date"]]}
		if c.Open, err = parseCents(rec[col["open"]]); err != nil {
			return nil, fmt.Errorf("%s line %d open: %w", symbol, line, err)
		}
		if c.High, err = parseCents(rec[col["high"]]); err != nil {
			return nil, fmt.Errorf("%s line %d high: %w", symbol, line, err)
		}
		if c.Low, err = parseCents(rec[col["low"]]); err != nil {
			return nil, fmt.Errorf("%s line %d low: %w", symbol, line, err)
		}
		if c.Close, err = parseCents(rec[col["close"]]); err != nil {
			return nil, fmt.Errorf("%s line %d close: %w", symbol, line, err)
		}
		if vi, ok := col["volume"]; ok && rec[vi] != "" {
			if c.Volume, err = strconv.ParseInt(rec[vi], 10, 64); err != nil {
				return nil, fmt.Errorf("%s line %d volume: %w", symbol, line, err)
			}
		}
		if c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0 || c.Volume < 0 {
			return nil, fmt.Errorf("%s line %d: negative value", symbol, line)
		}
		series = append(series, c)
	}

	if len(series) == 0 {
		return nil, fmt.Errorf("%s.csv contains no candles", symbol)
	}
	return series, nil
}

// parseCents converts a decimal price string ("102.50") into int64 cents
// without going through float64.
func parseCents(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart(), nil
}
