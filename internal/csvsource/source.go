// Package csvsource reads uploaded CSV files as raw rows for the import
// pipeline.
//
// The first non-empty record is the header. Every following non-empty record
// becomes one row keyed by header name, numbered from 1 in file order, so
// reopening a file yields the same row numbers.
package csvsource

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// ErrNoHeader is returned when a file contains no header row.
var ErrNoHeader = errors.New("no header row found")

// peekSize bounds how much of the file is inspected to sniff the delimiter.
const peekSize = 64 * 1024

// delimiters are the candidates considered when sniffing the header line.
var delimiters = []rune{',', ';', '\t', '|'}

// Source opens uploaded files. The zero value decodes non-UTF-8 input by
// replacing invalid bytes.
type Source struct {
	// Fallback decodes files that are not valid UTF-8.
	Fallback encoding.Encoding
	// Delimiter forces the field separator. Zero sniffs it from the header line.
	Delimiter rune
}

// New returns a Source that decodes non-UTF-8 files as Windows-1251.
func New() *Source {
	return &Source{Fallback: charmap.Windows1251}
}

// Open implements core.RowSource.
func (s *Source) Open(ctx context.Context, file core.JobFile) (core.RowReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := bufio.NewReaderSize(decode(file.Content, s.Fallback), peekSize)
	delim := s.Delimiter
	if delim == 0 {
		line, err := firstLine(buf)
		if err != nil {
			return nil, &core.ParseError{File: file.Info.Name, Err: err}
		}
		delim = sniffDelimiter(line)
	}

	r := csv.NewReader(buf)
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	rr := &rowReader{csv: r, file: file.Info}
	if err := rr.readHeader(); err != nil {
		return nil, err
	}
	return rr, nil
}

// firstLine peeks the first non-blank line without consuming input.
func firstLine(buf *bufio.Reader) (string, error) {
	peek, err := buf.Peek(peekSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", err
	}
	for _, line := range strings.Split(string(peek), "\n") {
		if strings.TrimSpace(line) != "" {
			return line, nil
		}
	}
	return "", nil
}

// sniffDelimiter picks the candidate occurring most often in line.
// Ties and lines without any candidate fall back to a comma.
func sniffDelimiter(line string) rune {
	best, bestCount := ',', 0
	for _, d := range delimiters {
		if n := strings.Count(line, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

// =============================================================================
// Row reader
// =============================================================================

type rowReader struct {
	csv    *csv.Reader
	file   core.FileInfo
	header []string
	rowNum int
}

func (r *rowReader) readHeader() error {
	for {
		rec, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			return &core.ParseError{File: r.file.Name, Err: ErrNoHeader}
		}
		if err != nil {
			return r.wrap(err)
		}
		if isEmptyRecord(rec) {
			continue
		}
		r.header = headerNames(rec)
		return nil
	}
}

// Next implements core.RowReader.
func (r *rowReader) Next() (core.RawRow, error) {
	for {
		rec, err := r.csv.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return core.RawRow{}, io.EOF
			}
			return core.RawRow{}, r.wrap(err)
		}
		if isEmptyRecord(rec) {
			continue
		}

		r.rowNum++
		fields := make(map[string]string, len(rec))
		for i, cell := range rec {
			name := columnName(i)
			if i < len(r.header) {
				name = r.header[i]
			}
			fields[name] = CleanValue(cell)
		}
		return core.RawRow{Kind: r.file.Kind, RowNumber: r.rowNum, Fields: fields}, nil
	}
}

// Close implements core.RowReader.
func (r *rowReader) Close() error { return nil }

func (r *rowReader) wrap(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &core.ParseError{File: r.file.Name, Row: pe.Line, Err: pe.Err}
	}
	return &core.ParseError{File: r.file.Name, Row: r.rowNum + 1, Err: err}
}

// headerNames cleans header cells, names blank ones by position and makes
// repeated names unique with a numeric suffix.
func headerNames(rec []string) []string {
	names := make([]string, len(rec))
	seen := make(map[string]int, len(rec))
	for i, cell := range rec {
		name := core.CleanCell(cell)
		if name == "" {
			name = columnName(i)
		}
		key := core.FoldKey(name)
		seen[key]++
		if n := seen[key]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		names[i] = name
	}
	return names
}

func columnName(i int) string {
	return fmt.Sprintf("column_%d", i+1)
}

// CleanValue trims a cell, normalizes line endings and collapses runs of
// whitespace to a single space.
func CleanValue(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isEmptyRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
