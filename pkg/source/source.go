// Package source reads merge batches from CSV, JSON lines or Excel files on
// local disk or S3, optionally compressed with zstd or gzip.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/malbeclabs/hybridscd/pkg/objectstore"
	"github.com/malbeclabs/hybridscd/pkg/scd"
	"github.com/xuri/excelize/v2"
)

type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
	FormatXLSX  Format = "xlsx"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

type Config struct {
	Logger *slog.Logger
	// URI is a local path, file:// URI or s3://bucket/key.
	URI string
	// Format defaults to the extension of URI after any compression suffix.
	Format Format
	// Types decodes typed columns. Columns without a type are read as text.
	Types Types
	// S3 is used for s3:// URIs. Built from the environment when nil.
	S3 *s3.Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URI == "" {
		return errors.New("source URI is required")
	}
	if cfg.Format == "" {
		format, err := FormatOf(cfg.URI)
		if err != nil {
			return err
		}
		cfg.Format = format
	}
	switch cfg.Format {
	case FormatCSV, FormatJSONL, FormatXLSX:
	default:
		return fmt.Errorf("unsupported source format %q", cfg.Format)
	}
	if cfg.Types == nil {
		cfg.Types = Types{}
	}
	return nil
}

// FormatOf infers the format of uri from its extension, ignoring a trailing
// .zst or .gz.
func FormatOf(uri string) (Format, error) {
	name := strings.ToLower(uri)
	name = strings.TrimSuffix(strings.TrimSuffix(name, ".zst"), ".gz")
	switch filepath.Ext(name) {
	case ".csv":
		return FormatCSV, nil
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("cannot infer source format of %q", uri)
	}
}

// Read loads the whole source into a batch.
func Read(ctx context.Context, cfg Config) (scd.Batch, error) {
	if err := cfg.Validate(); err != nil {
		return scd.Batch{}, err
	}

	rc, err := Open(ctx, cfg.Logger, cfg.URI, cfg.S3)
	if err != nil {
		return scd.Batch{}, err
	}
	defer rc.Close()

	var batch scd.Batch
	switch cfg.Format {
	case FormatCSV:
		batch, err = ReadCSV(rc, cfg.Types)
	case FormatJSONL:
		batch, err = ReadJSONL(rc, cfg.Types)
	case FormatXLSX:
		batch, err = ReadXLSX(rc, cfg.Types)
	}
	if err != nil {
		return scd.Batch{}, fmt.Errorf("failed to read %s: %w", cfg.URI, err)
	}
	cfg.Logger.Debug("source: read batch", "uri", cfg.URI, "format", cfg.Format, "rows", len(batch.Rows), "columns", len(batch.Columns))
	return batch, nil
}

// Open returns the decompressed contents of uri.
func Open(ctx context.Context, log *slog.Logger, uri string, client *s3.Client) (io.ReadCloser, error) {
	var raw io.ReadCloser
	if strings.HasPrefix(uri, "s3://") {
		if client == nil {
			cfg, err := objectstore.ConfigForURI(ctx, log, uri)
			if err != nil {
				return nil, err
			}
			if client, err = objectstore.NewClient(ctx, cfg); err != nil {
				return nil, err
			}
		}
		body, err := objectstore.Open(ctx, client, uri)
		if err != nil {
			return nil, err
		}
		raw = body
	} else {
		f, err := os.Open(strings.TrimPrefix(uri, "file://"))
		if err != nil {
			return nil, fmt.Errorf("failed to open source: %w", err)
		}
		raw = f
	}

	switch {
	case strings.HasSuffix(uri, ".zst"):
		dec, err := zstd.NewReader(raw)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return &decompressed{Reader: dec, close: func() error { dec.Close(); return raw.Close() }}, nil
	case strings.HasSuffix(uri, ".gz"):
		dec, err := gzip.NewReader(raw)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return &decompressed{Reader: dec, close: func() error { dec.Close(); return raw.Close() }}, nil
	default:
		return raw, nil
	}
}

type decompressed struct {
	io.Reader
	close func() error
}

func (d *decompressed) Close() error {
	return d.close()
}

// ReadCSV reads a CSV document whose first row is the header. Empty cells are
// null.
func ReadCSV(r io.Reader, types Types) (scd.Batch, error) {
	br := bufio.NewReader(r)
	if prefix, err := br.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = br.Discard(len(byteOrderMark))
	}
	reader := csv.NewReader(br)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return scd.Batch{}, nil
	}
	if err != nil {
		return scd.Batch{}, fmt.Errorf("failed to read csv header: %w", err)
	}
	columns, err := headerColumns(header)
	if err != nil {
		return scd.Batch{}, err
	}

	batch := scd.Batch{Columns: columns}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return scd.Batch{}, fmt.Errorf("failed to read csv: %w", err)
		}
		row, err := textRow(columns, record, types)
		if err != nil {
			return scd.Batch{}, fmt.Errorf("line %d: %w", line, err)
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

// ReadJSONL reads one JSON object per line. The batch columns are the union of
// all keys, in order of the first record that has them.
func ReadJSONL(r io.Reader, types Types) (scd.Batch, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var batch scd.Batch
	seen := make(map[string]struct{})
	for n := 1; ; n++ {
		var obj map[string]any
		if err := dec.Decode(&obj); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return scd.Batch{}, fmt.Errorf("record %d: %w", n, err)
		}

		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		// Map order is random; keep the column list stable.
		slices.Sort(keys)

		row := make(scd.Row, len(obj))
		for _, k := range keys {
			v, err := types.ParseJSON(k, obj[k])
			if err != nil {
				return scd.Batch{}, fmt.Errorf("record %d: %w", n, err)
			}
			row[k] = v
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				batch.Columns = append(batch.Columns, k)
			}
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

// ReadXLSX reads the first sheet of a workbook whose first row is the header.
func ReadXLSX(r io.Reader, types Types) (scd.Batch, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return scd.Batch{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return scd.Batch{}, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return scd.Batch{}, fmt.Errorf("failed to read rows of sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return scd.Batch{}, nil
	}

	columns, err := headerColumns(rows[0])
	if err != nil {
		return scd.Batch{}, err
	}
	batch := scd.Batch{Columns: columns}
	for i, record := range rows[1:] {
		if isBlank(record) {
			continue
		}
		// Trailing empty cells are omitted by the reader.
		if len(record) < len(columns) {
			record = append(record, make([]string, len(columns)-len(record))...)
		}
		row, err := textRow(columns, record, types)
		if err != nil {
			return scd.Batch{}, fmt.Errorf("row %d: %w", i+2, err)
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

func headerColumns(header []string) ([]string, error) {
	columns := make([]string, len(header))
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			return nil, fmt.Errorf("header column %d is empty", i+1)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate header column %q", name)
		}
		seen[name] = struct{}{}
		columns[i] = name
	}
	return columns, nil
}

func textRow(columns, record []string, types Types) (scd.Row, error) {
	if len(record) != len(columns) {
		return nil, fmt.Errorf("expected %d fields, got %d", len(columns), len(record))
	}
	row := make(scd.Row, len(columns))
	for i, col := range columns {
		v, err := types.ParseText(col, record[i])
		if err != nil {
			return nil, err
		}
		row[col] = v
	}
	return row, nil
}

func isBlank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
