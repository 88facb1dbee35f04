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

// Package alignment reads the tabular alignments of reference-genome contigs
// against catalog genes and turns them into shards whose rows carry genome
// and CAG ids.
package alignment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
)

// Record is one alignment row, in the column order of the aligner's tabular
// output. Coordinates are 1-based and inclusive; starts may exceed ends for
// reverse-strand hits.
type Record struct {
	Contig      string  `tsv:"contig"`
	Gene        string  `tsv:"gene"`
	PIdent      float64 `tsv:"pident"`
	Length      int     `tsv:"length"`
	ContigStart int     `tsv:"contig_start"`
	ContigEnd   int     `tsv:"contig_end"`
	ContigLen   int     `tsv:"contig_len"`
	GeneStart   int     `tsv:"gene_start"`
	GeneEnd     int     `tsv:"gene_end"`
	GeneLen     int     `tsv:"gene_len"`
}

// Span returns the number of contig bases covered by the alignment,
// |contig_end - contig_start| + 1.
func (r *Record) Span() int {
	d := r.ContigEnd - r.ContigStart
	if d < 0 {
		d = -d
	}
	return d + 1
}

func (r *Record) validate() error {
	if r.Contig == "" || r.Gene == "" {
		return fmt.Errorf("empty contig or gene id")
	}
	if r.ContigLen <= 0 {
		return fmt.Errorf("contig %s: non-positive contig_len %d", r.Contig, r.ContigLen)
	}
	if r.ContigStart <= 0 || r.ContigEnd <= 0 {
		return fmt.Errorf("contig %s: non-positive coordinates %d-%d", r.Contig, r.ContigStart, r.ContigEnd)
	}
	return nil
}

// Row is an alignment record annotated with the genome of its contig and the
// CAG of its gene.
type Row struct {
	Record
	Genome string
	CAG    string
}

// Shard is one partition of alignment rows. Shards are built once and never
// modified, so the annotator and the containment scorer may read the same
// shard concurrently.
type Shard struct {
	Name string
	Rows []Row
}

// Resolver maps contigs to genomes and genes to CAGs. *catalog.Index
// implements it.
type Resolver interface {
	Genome(contig string) (string, bool)
	CAG(gene string) (string, bool)
}

// maxReported caps the number of unresolved ids listed in an error message.
const maxReported = 5

// NewShard annotates recs with genome and CAG ids. Any contig or gene that
// idx cannot resolve is an errors.Invalid error; nothing is dropped silently.
func NewShard(name string, recs []Record, idx Resolver) (*Shard, error) {
	s := &Shard{Name: name, Rows: make([]Row, len(recs))}
	var badContigs, badGenes []string
	seenContig := map[string]bool{}
	seenGene := map[string]bool{}
	for i := range recs {
		rec := &recs[i]
		if err := rec.validate(); err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("shard %s, row %d: %v", name, i+1, err))
		}
		genome, ok := idx.Genome(rec.Contig)
		if !ok && !seenContig[rec.Contig] {
			seenContig[rec.Contig] = true
			badContigs = append(badContigs, rec.Contig)
		}
		cag, ok := idx.CAG(rec.Gene)
		if !ok && !seenGene[rec.Gene] {
			seenGene[rec.Gene] = true
			badGenes = append(badGenes, rec.Gene)
		}
		s.Rows[i] = Row{Record: *rec, Genome: genome, CAG: cag}
	}
	if len(badContigs) > 0 || len(badGenes) > 0 {
		var msgs []string
		if len(badContigs) > 0 {
			msgs = append(msgs, fmt.Sprintf("%d contig(s) with no genome: %s", len(badContigs), sample(badContigs)))
		}
		if len(badGenes) > 0 {
			msgs = append(msgs, fmt.Sprintf("%d gene(s) with no CAG: %s", len(badGenes), sample(badGenes)))
		}
		return nil, errors.E(errors.Invalid, fmt.Sprintf("shard %s: %s", name, strings.Join(msgs, "; ")))
	}
	return s, nil
}

func sample(ids []string) string {
	sort.Strings(ids)
	if len(ids) > maxReported {
		return strings.Join(ids[:maxReported], ",") + ",..."
	}
	return strings.Join(ids, ",")
}

// Genomes returns the distinct genomes of the shard in sorted order.
func (s *Shard) Genomes() []string {
	seen := map[string]bool{}
	var genomes []string
	for i := range s.Rows {
		if g := s.Rows[i].Genome; !seen[g] {
			seen[g] = true
			genomes = append(genomes, g)
		}
	}
	sort.Strings(genomes)
	return genomes
}

// ByGenome groups the row indexes of the shard by genome.
func (s *Shard) ByGenome() map[string][]int {
	groups := map[string][]int{}
	for i := range s.Rows {
		g := s.Rows[i].Genome
		groups[g] = append(groups[g], i)
	}
	return groups
}
