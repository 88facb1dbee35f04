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

// Package containment scores how much of each genome is covered by each CAG,
// and how much of each CAG is found in each genome.
package containment

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cagassoc/alignment"
)

// Record is the containment of one (genome, CAG) pair with at least one
// aligning gene.
type Record struct {
	Genome string
	CAG    string
	// NGenes is the number of distinct CAG genes aligning to the genome.
	NGenes int
	// Containment is max(GenomeProp, CAGProp).
	Containment float64
	// GenomeProp is GenomeBases divided by the genome size. Alignment spans
	// may overlap, so it can exceed 1.
	GenomeProp float64
	// GenomeBases is the sum of alignment spans for the pair.
	GenomeBases int
	// CAGProp is NGenes divided by the size of the CAG in the catalog.
	CAGProp float64
}

// CAGSizer reports the number of catalog genes in a CAG.
type CAGSizer interface {
	CAGSize(cag string) int
}

type pairKey struct{ genome, cag string }

type pairStats struct {
	bases int
	genes map[string]struct{}
}

// Score computes the containment records of a shard, sorted by genome then
// CAG. An empty shard yields no records and no error.
func Score(shard *alignment.Shard, sizes CAGSizer) ([]Record, error) {
	contigLen := map[string]int{}
	genomeSize := map[string]int{}
	pairs := map[pairKey]*pairStats{}
	for i := range shard.Rows {
		r := &shard.Rows[i]
		if n, ok := contigLen[r.Contig]; ok {
			if n != r.ContigLen {
				return nil, errors.E(errors.Invalid, fmt.Sprintf(
					"shard %s: contig %s has inconsistent lengths %d and %d", shard.Name, r.Contig, n, r.ContigLen))
			}
		} else {
			contigLen[r.Contig] = r.ContigLen
			genomeSize[r.Genome] += r.ContigLen
		}
		k := pairKey{r.Genome, r.CAG}
		p := pairs[k]
		if p == nil {
			p = &pairStats{genes: map[string]struct{}{}}
			pairs[k] = p
		}
		p.bases += r.Span()
		p.genes[r.Gene] = struct{}{}
	}

	recs := make([]Record, 0, len(pairs))
	for k, p := range pairs {
		size := genomeSize[k.genome]
		if size <= 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("shard %s: genome %s has size %d", shard.Name, k.genome, size))
		}
		n := sizes.CAGSize(k.cag)
		if n <= 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("shard %s: CAG %s has no catalog genes", shard.Name, k.cag))
		}
		rec := Record{
			Genome:      k.genome,
			CAG:         k.cag,
			NGenes:      len(p.genes),
			GenomeBases: p.bases,
			GenomeProp:  float64(p.bases) / float64(size),
			CAGProp:     float64(len(p.genes)) / float64(n),
		}
		rec.Containment = rec.GenomeProp
		if rec.CAGProp > rec.Containment {
			rec.Containment = rec.CAGProp
		}
		recs = append(recs, rec)
	}
	Sort(recs)
	log.Debug.Printf("containment: shard %s: %d rows, %d genomes, %d pairs",
		shard.Name, len(shard.Rows), len(genomeSize), len(recs))
	return recs, nil
}

// Sort orders records by (genome, CAG). Records with equal keys keep their
// relative order.
func Sort(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Genome != recs[j].Genome {
			return recs[i].Genome < recs[j].Genome
		}
		return recs[i].CAG < recs[j].CAG
	})
}
