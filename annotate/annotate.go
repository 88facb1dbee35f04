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

// Package annotate attaches per-CAG association statistics to the genes of
// an alignment shard and summarizes them per genome.
package annotate

import (
	"math"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/cagassoc/alignment"
	"github.com/grailbio/cagassoc/assoc"
)

// GeneRow is one alignment row annotated with the association of its CAG for
// a single parameter.
type GeneRow struct {
	alignment.Row
	Parameter    string
	Estimate     float64
	StdError     float64
	PValue       float64
	FDRAdjustedP float64
	// Tested is false when the CAG has no association for the parameter.
	Tested  bool
	PassFDR bool
}

// Summary aggregates the annotated genes of one genome for one parameter.
type Summary struct {
	Genome       string
	Parameter    string
	TotalGenes   int
	NPassFDR     int
	PropPassFDR  float64
	MeanEstimate float64 // mean estimate among passing genes; NaN if none pass
}

// Detail is the list of annotated rows of one genome.
type Detail struct {
	Genome string
	Rows   []GeneRow
}

// Result is the annotation of one shard for one parameter.
type Result struct {
	Parameter string
	// Summaries is sorted by genome.
	Summaries []Summary
	// Details is sorted by genome. It is empty unless details were requested.
	Details []Detail
}

// Annotate annotates every row of the shard with the associations in table.
func Annotate(shard *alignment.Shard, table *assoc.Table, details bool) Result {
	res := Result{Parameter: table.Parameter}
	groups := shard.ByGenome()
	genomes := shard.Genomes()
	res.Summaries = make([]Summary, 0, len(genomes))
	for _, genome := range genomes {
		idx := groups[genome]
		sum := Summary{Genome: genome, Parameter: table.Parameter, TotalGenes: len(idx)}
		var (
			total float64
			rows  []GeneRow
		)
		if details {
			rows = make([]GeneRow, 0, len(idx))
		}
		for _, i := range idx {
			row := annotateRow(&shard.Rows[i], table)
			if row.PassFDR {
				sum.NPassFDR++
				total += row.Estimate
			}
			if details {
				rows = append(rows, row)
			}
		}
		sum.PropPassFDR = float64(sum.NPassFDR) / float64(sum.TotalGenes)
		sum.MeanEstimate = math.NaN()
		if sum.NPassFDR > 0 {
			sum.MeanEstimate = total / float64(sum.NPassFDR)
		}
		res.Summaries = append(res.Summaries, sum)
		if details {
			res.Details = append(res.Details, Detail{Genome: genome, Rows: rows})
		}
	}
	log.Debug.Printf("annotate: shard %s, parameter %s: %d genomes, %d rows",
		shard.Name, table.Parameter, len(genomes), len(shard.Rows))
	return res
}

func annotateRow(r *alignment.Row, table *assoc.Table) GeneRow {
	row := GeneRow{
		Row:          *r,
		Parameter:    table.Parameter,
		Estimate:     math.NaN(),
		StdError:     math.NaN(),
		PValue:       math.NaN(),
		FDRAdjustedP: math.NaN(),
	}
	a, ok := table.Get(r.CAG)
	if !ok {
		return row
	}
	row.Tested = true
	row.Estimate = a.Estimate
	row.StdError = a.StdError
	row.PValue = a.PValue
	row.FDRAdjustedP = a.FDRAdjustedP
	row.PassFDR = a.PassFDR
	return row
}

// AnnotateAll runs Annotate for every parameter in tables, in parameter
// order.
func AnnotateAll(shard *alignment.Shard, tables assoc.Tables, details bool) []Result {
	params := tables.Parameters()
	results := make([]Result, len(params))
	for i, param := range params {
		results[i] = Annotate(shard, tables[param], details)
	}
	return results
}

// SortRows orders detail rows canonically so that concatenations from
// different shards compare equal regardless of shard order.
func SortRows(rows []GeneRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := &rows[i], &rows[j]
		if a.Contig != b.Contig {
			return a.Contig < b.Contig
		}
		if a.Gene != b.Gene {
			return a.Gene < b.Gene
		}
		if a.ContigStart != b.ContigStart {
			return a.ContigStart < b.ContigStart
		}
		if a.ContigEnd != b.ContigEnd {
			return a.ContigEnd < b.ContigEnd
		}
		return a.GeneStart < b.GeneStart
	})
}
