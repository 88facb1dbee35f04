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
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cagassoc/encoding/table"
)

type contigRow struct {
	Contig string `tsv:"contig"`
	Genome string `tsv:"genome"`
}

type memberRow struct {
	CAG  string `tsv:"CAG"`
	Gene string `tsv:"gene"`
}

// ReadContigHeaders adds the contig → genome pairs listed in the CSV file at
// path. The file must have "contig" and "genome" columns.
func (x *Index) ReadContigHeaders(ctx context.Context, path string) (err error) {
	r, err := table.Open(ctx, path, "contig", "genome")
	if err != nil {
		return err
	}
	defer func() {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}()
	n := 0
	for {
		var row contigRow
		if err = r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return errors.E(errors.Invalid, err, path)
		}
		if err = x.AddContig(strings.TrimSpace(row.Contig), strings.TrimSpace(row.Genome)); err != nil {
			return errors.E(err, path)
		}
		n++
	}
	log.Debug.Printf("%s: read %d contigs", path, n)
	return nil
}

// ReadGeneCAGs adds the gene → CAG memberships listed at path. The file must
// have "CAG" and "gene" columns.
func (x *Index) ReadGeneCAGs(ctx context.Context, path string) (err error) {
	r, err := table.Open(ctx, path, "CAG", "gene")
	if err != nil {
		return err
	}
	defer func() {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}()
	n := 0
	for {
		var row memberRow
		if err = r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return errors.E(errors.Invalid, err, path)
		}
		if err = x.AddGene(strings.TrimSpace(row.Gene), strings.TrimSpace(row.CAG)); err != nil {
			return errors.E(err, path)
		}
		n++
	}
	log.Debug.Printf("%s: read %d gene memberships", path, n)
	return nil
}

// Load builds an Index from a gene → CAG membership table and any number of
// contig header files.
func Load(ctx context.Context, geneCAGPath string, contigHeaderPaths []string) (*Index, error) {
	x := NewIndex()
	if err := x.ReadGeneCAGs(ctx, geneCAGPath); err != nil {
		return nil, err
	}
	for _, path := range contigHeaderPaths {
		if err := x.ReadContigHeaders(ctx, path); err != nil {
			return nil, err
		}
	}
	if x.NumGenes() == 0 {
		return nil, errors.E(errors.Invalid, geneCAGPath, "no gene memberships")
	}
	log.Printf("catalog: %d genes in %d CAGs, %d contigs in %d genomes",
		x.NumGenes(), x.NumCAGs(), x.NumContigs(), len(x.nContigs))
	return x, nil
}
