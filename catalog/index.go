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

// Package catalog holds the immutable lookups shared by every shard worker:
// contig → genome, gene → CAG, CAG sizes, and the genome manifest.
package catalog

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
)

// Index resolves contigs to genomes and catalog genes to CAGs. It is filled
// once by the Add* and Read* methods and is read-only afterwards, so it can be
// shared by concurrent shard workers without locking.
type Index struct {
	genomeOf map[string]string // contig -> genome
	cagOf    map[string]string // gene -> CAG
	cagSize  map[string]int    // CAG -> n_genes_in_cag
	nContigs map[string]int    // genome -> # of contigs
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{
		genomeOf: map[string]string{},
		cagOf:    map[string]string{},
		cagSize:  map[string]int{},
		nContigs: map[string]int{},
	}
}

// AddContig registers contig as belonging to genome. Registering the same
// pair twice is a no-op; moving a contig to another genome is an
// errors.Invalid error.
func (x *Index) AddContig(contig, genome string) error {
	if contig == "" || genome == "" {
		return errors.E(errors.Invalid, fmt.Sprintf("empty contig or genome id (contig=%q, genome=%q)", contig, genome))
	}
	if g, ok := x.genomeOf[contig]; ok {
		if g != genome {
			return errors.E(errors.Invalid, fmt.Sprintf("contig %s belongs to genomes %s and %s", contig, g, genome))
		}
		return nil
	}
	x.genomeOf[contig] = genome
	x.nContigs[genome]++
	return nil
}

// AddGene registers gene as a member of cag. A gene may belong to only one
// CAG.
func (x *Index) AddGene(gene, cag string) error {
	if gene == "" || cag == "" {
		return errors.E(errors.Invalid, fmt.Sprintf("empty gene or CAG id (gene=%q, CAG=%q)", gene, cag))
	}
	if c, ok := x.cagOf[gene]; ok {
		if c != cag {
			return errors.E(errors.Invalid, fmt.Sprintf("gene %s belongs to CAGs %s and %s", gene, c, cag))
		}
		return nil
	}
	x.cagOf[gene] = cag
	x.cagSize[cag]++
	return nil
}

// Genome returns the genome of contig.
func (x *Index) Genome(contig string) (string, bool) {
	g, ok := x.genomeOf[contig]
	return g, ok
}

// CAG returns the CAG of gene.
func (x *Index) CAG(gene string) (string, bool) {
	c, ok := x.cagOf[gene]
	return c, ok
}

// CAGSize returns the number of catalog genes in cag, or 0 if cag is unknown.
func (x *Index) CAGSize(cag string) int { return x.cagSize[cag] }

// HasCAG reports whether cag has at least one member gene.
func (x *Index) HasCAG(cag string) bool { return x.cagSize[cag] > 0 }

// NumContigs returns the number of registered contigs.
func (x *Index) NumContigs() int { return len(x.genomeOf) }

// NumGenes returns the number of registered genes.
func (x *Index) NumGenes() int { return len(x.cagOf) }

// NumCAGs returns the number of distinct CAGs.
func (x *Index) NumCAGs() int { return len(x.cagSize) }

// Genomes returns the registered genome ids in sorted order.
func (x *Index) Genomes() []string {
	genomes := make([]string, 0, len(x.nContigs))
	for g := range x.nContigs {
		genomes = append(genomes, g)
	}
	sort.Strings(genomes)
	return genomes
}
