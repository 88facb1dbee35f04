// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package table reads delimited text tables (CSV or TSV, optionally gzipped)
// whose first row names the columns. Required columns are checked before any
// data row is returned, so callers fail fast on malformed inputs.
package table

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
)

// Reader reads rows of a delimited table into structs tagged with `tsv:"..."`.
// Columns are matched by header name, so their order in the file does not
// matter and extra columns are ignored.
type Reader struct {
	*tsv.Reader
	path    string
	columns []string
	closers []func() error

	// rawHeaderDone is set once ReadRecord has consumed the header row.
	rawHeaderDone bool
}

// Delimiter guesses the field separator from the path. Names ending in
// ".tsv", ".txt" or ".tab" (before an optional ".gz") are tab-separated,
// everything else is comma-separated.
func Delimiter(path string) rune {
	name := strings.TrimSuffix(path, ".gz")
	for _, ext := range []string{".tsv", ".txt", ".tab"} {
		if strings.HasSuffix(name, ext) {
			return '\t'
		}
	}
	return ','
}

// Open opens the table at path and checks that its header names every column
// in required. A missing file yields an errors.NotExist error; a missing
// header or column yields errors.Invalid.
func Open(ctx context.Context, path string, required ...string) (*Reader, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open table", path)
	}
	r := &Reader{path: path}
	r.closers = append(r.closers, func() error { return in.Close(ctx) })

	var src io.Reader = in.Reader(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(src)
		if err != nil {
			_ = r.Close()
			return nil, errors.E(errors.Invalid, err, "gunzip", path)
		}
		r.closers = append(r.closers, gz.Close)
		src = gz
	}
	br := bufio.NewReaderSize(src, 64<<10)
	header, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		_ = r.Close()
		return nil, errors.E(err, "read header", path)
	}
	comma := Delimiter(path)
	if r.columns, err = parseHeader(header, comma); err != nil {
		_ = r.Close()
		return nil, errors.E(errors.Invalid, err, path)
	}
	if err := r.require(required); err != nil {
		_ = r.Close()
		return nil, err
	}
	r.Reader = tsv.NewReader(io.MultiReader(strings.NewReader(header), br))
	r.Reader.Comma = comma
	r.Reader.HasHeaderRow = true
	r.Reader.UseHeaderNames = true
	return r, nil
}

func parseHeader(line string, comma rune) ([]string, error) {
	line = strings.TrimPrefix(line, "\ufeff")
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, fmt.Errorf("missing header row")
	}
	cr := csv.NewReader(strings.NewReader(line))
	cr.Comma = comma
	cr.LazyQuotes = true
	cols, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("parse header %q: %v", line, err)
	}
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols, nil
}

func (r *Reader) require(required []string) error {
	have := make(map[string]bool, len(r.columns))
	for _, c := range r.columns {
		have[c] = true
	}
	var missing []string
	for _, c := range required {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: missing required column(s) %s (found %s)",
			r.path, strings.Join(missing, ","), strings.Join(r.columns, ",")))
	}
	return nil
}

// Columns returns the column names in file order.
func (r *Reader) Columns() []string { return r.columns }

// Path returns the path the table was opened from.
func (r *Reader) Path() string { return r.path }

// ReadRecord returns the next data row as raw strings, in the order given by
// Columns. It returns io.EOF at the end of the table. The returned slice is
// reused by the next call; callers that retain rows must copy them.
// ReadRecord must not be mixed with Read on the same Reader.
func (r *Reader) ReadRecord() ([]string, error) {
	if !r.rawHeaderDone {
		if _, err := r.Reader.Reader.Read(); err != nil {
			return nil, err
		}
		r.rawHeaderDone = true
	}
	return r.Reader.Reader.Read()
}

// Close releases the underlying file. It must be called exactly once.
func (r *Reader) Close() error {
	once := errors.Once{}
	for i := len(r.closers) - 1; i >= 0; i-- {
		once.Set(r.closers[i]())
	}
	r.closers = nil
	return once.Err()
}
