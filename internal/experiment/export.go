package experiment

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Format is an export format for test results.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat converts a string into a known export Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q (want csv or json)", s)
	}
}

var csvHeader = []string{
	"experiment_id", "variant_name", "user_id", "input", "response",
	"quality_score", "latency_ms", "cost", "tokens", "converted", "timestamp",
}

// Export writes results to w in the given format.
func Export(w io.Writer, results []TestResult, format Format) error {
	switch format {
	case FormatJSON:
		if results == nil {
			results = []TestResult{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return fmt.Errorf("failed to encode results: %w", err)
		}
		return nil
	case FormatCSV:
		return exportCSV(w, results)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func exportCSV(w io.Writer, results []TestResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range results {
		input := ""
		if len(r.Input) > 0 {
			raw, err := json.Marshal(r.Input)
			if err != nil {
				return fmt.Errorf("failed to encode input for user %q: %w", r.UserID, err)
			}
			input = string(raw)
		}
		record := []string{
			r.ExperimentID,
			r.VariantName,
			r.UserID,
			input,
			r.Response,
			formatFloat(r.QualityScore),
			formatFloat(r.LatencyMs),
			formatFloat(r.Cost),
			strconv.Itoa(r.Tokens),
			strconv.FormatBool(r.Converted),
			r.Timestamp.Format(time.RFC3339Nano),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// formatFloat uses the shortest representation that parses back to the same value.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ImportCSV reads results previously written by Export in CSV format.
func ImportCSV(r io.Reader) ([]TestResult, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, required := range csvHeader {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing required CSV column: %s", required)
		}
	}

	var results []TestResult
	for lineNum := 2; ; lineNum++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row %d: %w", lineNum, err)
		}
		res, err := parseRecord(record, col)
		if err != nil {
			return nil, fmt.Errorf("CSV row %d: %w", lineNum, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func parseRecord(record []string, col map[string]int) (TestResult, error) {
	get := func(name string) string { return record[col[name]] }

	res := TestResult{
		ExperimentID: get("experiment_id"),
		VariantName:  get("variant_name"),
		UserID:       get("user_id"),
		Response:     get("response"),
	}
	var err error
	if raw := get("input"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &res.Input); err != nil {
			return res, fmt.Errorf("invalid input: %w", err)
		}
	}
	if res.QualityScore, err = strconv.ParseFloat(get("quality_score"), 64); err != nil {
		return res, fmt.Errorf("invalid quality_score: %w", err)
	}
	if res.LatencyMs, err = strconv.ParseFloat(get("latency_ms"), 64); err != nil {
		return res, fmt.Errorf("invalid latency_ms: %w", err)
	}
	if res.Cost, err = strconv.ParseFloat(get("cost"), 64); err != nil {
		return res, fmt.Errorf("invalid cost: %w", err)
	}
	if res.Tokens, err = strconv.Atoi(get("tokens")); err != nil {
		return res, fmt.Errorf("invalid tokens: %w", err)
	}
	if res.Converted, err = strconv.ParseBool(get("converted")); err != nil {
		return res, fmt.Errorf("invalid converted: %w", err)
	}
	if res.Timestamp, err = time.Parse(time.RFC3339Nano, get("timestamp")); err != nil {
		return res, fmt.Errorf("invalid timestamp: %w", err)
	}
	return res, nil
}
