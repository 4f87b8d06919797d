// Package summary accumulates per-file, per-partition row counts and
// renders the plain-text run report. The report is the durable record of a
// run: a partition absent from it either failed or was empty, and the log
// is the only place that distinguishes the two.
package summary

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// Summary is the append-only run record. It is not safe for concurrent
// use; the run is single-threaded by design.
type Summary struct {
	order []string
	files map[string]map[string]int64
}

// New returns an empty summary.
func New() *Summary {
	return &Summary{files: make(map[string]map[string]int64)}
}

// Record sets the row count for one (file, partition key) pair. Files are
// remembered in first-recorded order so the report follows processing
// order.
func (s *Summary) Record(file, county string, rows int64) {
	m, ok := s.files[file]
	if !ok {
		m = make(map[string]int64)
		s.files[file] = m
		s.order = append(s.order, file)
	}
	m[county] = rows
}

// AddFile registers a file with no counts yet, so a file that failed before
// any partition was extracted still appears in the report with a zero
// total.
func (s *Summary) AddFile(file string) {
	if _, ok := s.files[file]; !ok {
		s.files[file] = make(map[string]int64)
		s.order = append(s.order, file)
	}
}

// FileTotal returns the summed counts for one file.
func (s *Summary) FileTotal(file string) int64 {
	var total int64
	for _, n := range s.files[file] {
		total += n
	}
	return total
}

// GrandTotal returns the summed counts across all files.
func (s *Summary) GrandTotal() int64 {
	var total int64
	for f := range s.files {
		total += s.FileTotal(f)
	}
	return total
}

// Counts returns the recorded (file, county, rows) triples, files in
// processing order and counties sorted within each file.
func (s *Summary) Counts() []Count {
	var out []Count
	for _, f := range s.order {
		for _, c := range sortedKeys(s.files[f]) {
			out = append(out, Count{File: f, County: c, Rows: s.files[f][c]})
		}
	}
	return out
}

// Count is one recorded (file, county) row count.
type Count struct {
	File   string
	County string
	Rows   int64
}

// Render writes the report. targetCounty customizes the title when the run
// was pinned to a single partition key.
func (s *Summary) Render(w io.Writer, targetCounty, outputDir string, elapsed time.Duration) error {
	title := "GeoParquet County Split Summary"
	if targetCounty != "" {
		title = fmt.Sprintf("GeoParquet County Split Summary - %s County", targetCounty)
	}
	if _, err := fmt.Fprintf(w, "%s\n%s\n\n", title, strings.Repeat("=", 50)); err != nil {
		return err
	}

	for _, file := range s.order {
		if _, err := fmt.Fprintf(w, "File: %s\n%s\n", file, strings.Repeat("-", 30)); err != nil {
			return err
		}
		counts := s.files[file]
		for _, county := range sortedKeys(counts) {
			if _, err := fmt.Fprintf(w, "  %-20s: %10s records\n", county, commaInt(counts[county])); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "  %-20s: %10s records\n\n", "TOTAL", commaInt(s.FileTotal(file))); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "Grand Total: %s records processed\n", commaInt(s.GrandTotal())); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Output directory: %s\n", outputDir); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Elapsed: %s\n", elapsed.Truncate(time.Millisecond))
	return err
}

// WriteFile renders the report to path.
func (s *Summary) WriteFile(path, targetCounty, outputDir string, elapsed time.Duration) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if err := s.Render(f, targetCounty, outputDir, elapsed); err != nil {
		_ = f.Close()
		return fmt.Errorf("write summary: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// commaInt formats n with thousands separators, e.g. 1234567 -> "1,234,567".
func commaInt(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, d := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
