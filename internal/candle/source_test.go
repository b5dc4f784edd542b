package candle

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSeries(t *testing.T, dir, symbol, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, symbol+".csv"), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSourceLoadsSeries(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "RELIANCE", `date,open,high,low,close,volume
2020-01-01,100.00,101.50,99.00,100.00,1000
2020-01-02,100.00,103.00,100.00,102.00,1500
2020-01-03,102.00,102.50,100.50,101.00,900
`)

	src := NewSource(dir)

	series, err := src.Series("RELIANCE")
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if len(series) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(series))
	}
	if series[1].Close != 10200 {
		t.Errorf("expected close 10200 cents, got %d", series[1].Close)
	}
	if series[0].High != 10150 {
		t.Errorf("expected high 10150 cents, got %d", series[0].High)
	}
	if series[2].Volume != 900 {
		t.Errorf("expected volume 900, got %d", series[2].Volume)
	}
}

func TestSourceAtIsRestartable(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "TCS", `date,open,high,low,close
2020-01-01,50.25,51,50,50.75
2020-01-02,50.75,52,50,51.00
`)

	src := NewSource(dir)

	// Reading the same index twice must yield the same candle.
	first, err := src.At("TCS", 1)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	second, err := src.At("TCS", 1)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if first != second {
		t.Errorf("index 1 not stable: %+v vs %+v", first, second)
	}
	if first.Close != 5100 {
		t.Errorf("expected close 5100, got %d", first.Close)
	}

	if _, err := src.At("TCS", 2); err == nil {
		t.Error("expected out-of-range error at index 2")
	}
	if _, err := src.At("TCS", -1); err == nil {
		t.Error("expected out-of-range error at index -1")
	}
}

func TestSourceUnknownSymbol(t *testing.T) {
	src := NewSource(t.TempDir())
	if _, err := src.Series("NOPE"); err == nil {
		t.Error("expected error for unknown symbol")
	}
	if src.Has("NOPE") {
		t.Error("Has should be false for unknown symbol")
	}
}

func TestSourceSymbols(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "B", "date,open,high,low,close\n2020-01-01,1,1,1,1\n")
	writeSeries(t, dir, "A", "date,open,high,low,close\n2020-01-01,1,1,1,1\n")

	src := NewSource(dir)
	symbols, err := src.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	if len(symbols) != 2 || symbols[0] != "A" || symbols[1] != "B" {
		t.Errorf("unexpected symbols: %v", symbols)
	}
}
