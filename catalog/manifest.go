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

package catalog

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/cagassoc/encoding/table"
)

const (
	// ManifestIDColumn names the genome id column of a genome manifest.
	ManifestIDColumn = "id"
	// ManifestURIColumn is internal bookkeeping (the location of the genome's
	// reference tarball) and is dropped before the manifest is published.
	ManifestURIColumn = "uri"
)

// Manifest is the genome metadata table shipped with the reference database.
// Columns other than id are opaque strings.
type Manifest struct {
	Columns []string
	Rows    [][]string
}

// ReadManifest reads a genome manifest. Genome ids must be unique.
func ReadManifest(ctx context.Context, path string) (m *Manifest, err error) {
	r, err := table.Open(ctx, path, ManifestIDColumn)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}()
	m = &Manifest{Columns: append([]string(nil), r.Columns()...)}
	idCol := m.column(ManifestIDColumn)
	seen := map[string]bool{}
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, err, path)
		}
		if len(rec) != len(m.Columns) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: row has %d fields, header has %d", path, len(rec), len(m.Columns)))
		}
		id := rec[idCol]
		if seen[id] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: duplicate genome id %s", path, id))
		}
		seen[id] = true
		m.Rows = append(m.Rows, append([]string(nil), rec...))
	}
	return m, nil
}

func (m *Manifest) column(name string) int {
	for i, c := range m.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Genomes returns the genome ids in manifest order.
func (m *Manifest) Genomes() []string {
	col := m.column(ManifestIDColumn)
	if col < 0 {
		return nil
	}
	ids := make([]string, len(m.Rows))
	for i, row := range m.Rows {
		ids[i] = row[col]
	}
	return ids
}

// Without returns a copy of m with the named column removed. m is returned
// unchanged if it has no such column.
func (m *Manifest) Without(name string) *Manifest {
	col := m.column(name)
	if col < 0 {
		return m
	}
	drop := func(s []string) []string {
		out := make([]string, 0, len(s)-1)
		out = append(out, s[:col]...)
		return append(out, s[col+1:]...)
	}
	n := &Manifest{Columns: drop(m.Columns), Rows: make([][]string, len(m.Rows))}
	for i, row := range m.Rows {
		n.Rows[i] = drop(row)
	}
	return n
}
