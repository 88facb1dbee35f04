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

package merge

import (
	"strings"

	"github.com/grailbio/cagassoc/annotate"
	"github.com/grailbio/cagassoc/catalog"
	"github.com/grailbio/cagassoc/containment"
	"github.com/grailbio/cagassoc/store"
)

// Columns of the merged tables.
var (
	ContainmentColumns = []store.Column{
		{Name: "genome", Type: store.Text},
		{Name: "CAG", Type: store.Text},
		{Name: "n_genes", Type: store.Integer},
		{Name: "containment", Type: store.Real},
		{Name: "genome_prop", Type: store.Real},
		{Name: "genome_bases", Type: store.Integer},
		{Name: "cag_prop", Type: store.Real},
	}
	SummaryColumns = []store.Column{
		{Name: "genome", Type: store.Text},
		{Name: "parameter", Type: store.Text},
		{Name: "total_genes", Type: store.Integer},
		{Name: "n_pass_fdr", Type: store.Integer},
		{Name: "prop_pass_fdr", Type: store.Real},
		{Name: "mean_estimate_among_fdr_pass", Type: store.Real},
	}
	DetailColumns = []store.Column{
		{Name: "genome", Type: store.Text},
		{Name: "contig", Type: store.Text},
		{Name: "gene", Type: store.Text},
		{Name: "CAG", Type: store.Text},
		{Name: "pident", Type: store.Real},
		{Name: "length", Type: store.Integer},
		{Name: "contig_start", Type: store.Integer},
		{Name: "contig_end", Type: store.Integer},
		{Name: "contig_len", Type: store.Integer},
		{Name: "gene_start", Type: store.Integer},
		{Name: "gene_end", Type: store.Integer},
		{Name: "gene_len", Type: store.Integer},
		{Name: "parameter", Type: store.Text},
		{Name: "estimate", Type: store.Real},
		{Name: "std_error", Type: store.Real},
		{Name: "p_value", Type: store.Real},
		{Name: "fdr_adjusted_p", Type: store.Real},
		{Name: "tested", Type: store.Integer},
		{Name: "pass_fdr", Type: store.Integer},
	}
	DiagnosticsColumns = []store.Column{
		{Name: "table", Type: store.Text},
		{Name: "key", Type: store.Text},
		{Name: "n_rows", Type: store.Integer},
		{Name: "shards", Type: store.Text},
	}
)

func containmentRow(r *containment.Record) []interface{} {
	return []interface{}{r.Genome, r.CAG, r.NGenes, r.Containment, r.GenomeProp, r.GenomeBases, r.CAGProp}
}

func summaryRow(s *annotate.Summary) []interface{} {
	return []interface{}{s.Genome, s.Parameter, s.TotalGenes, s.NPassFDR, s.PropPassFDR, s.MeanEstimate}
}

func detailRow(r *annotate.GeneRow) []interface{} {
	return []interface{}{
		r.Genome, r.Contig, r.Gene, r.CAG,
		r.PIdent, r.Length, r.ContigStart, r.ContigEnd, r.ContigLen, r.GeneStart, r.GeneEnd, r.GeneLen,
		r.Parameter, r.Estimate, r.StdError, r.PValue, r.FDRAdjustedP, r.Tested, r.PassFDR,
	}
}

func diagnosticsTable(amb []Ambiguity) *store.Table {
	t := &store.Table{Columns: DiagnosticsColumns, Rows: make([][]interface{}, len(amb))}
	for i, a := range amb {
		t.Rows[i] = []interface{}{a.Table, a.Key, len(a.Shards), strings.Join(a.Shards, ",")}
	}
	return t
}

func manifestTable(m *catalog.Manifest) *store.Table {
	t := &store.Table{Rows: make([][]interface{}, len(m.Rows))}
	for _, c := range m.Columns {
		t.Columns = append(t.Columns, store.Column{Name: c, Type: store.Text})
	}
	for i, row := range m.Rows {
		vals := make([]interface{}, len(row))
		for j, v := range row {
			vals[j] = v
		}
		t.Rows[i] = vals
	}
	return t
}
