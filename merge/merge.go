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

// Package merge folds per-shard artifacts into the consolidated result store.
//
// Merging is closed-world: only summary, detail and containment entries are
// expected. Keys that should be unique under genome-colocating sharding are
// checked after the fold; duplicates are kept and reported as ambiguities.
package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cagassoc/annotate"
	"github.com/grailbio/cagassoc/artifact"
	"github.com/grailbio/cagassoc/catalog"
	"github.com/grailbio/cagassoc/containment"
	"github.com/grailbio/cagassoc/store"
)

// Store paths.
const (
	ManifestPath    = "/genomes/manifest"
	ContainmentPath = "/genomes/cags/containment"
	SummaryPrefix   = "/genomes/summary/"
	DetailPrefix    = "/genomes/detail/"
	DiagnosticsPath = "/genomes/diagnostics"
)

// SummaryPath is the store path of the summary table of a parameter.
func SummaryPath(parameter string) string { return SummaryPrefix + parameter }

// DetailPath is the store path of the detail table of a (parameter, genome).
func DetailPath(parameter, genome string) string {
	return DetailPrefix + parameter + "/" + genome
}

// Opts configures a merge.
type Opts struct {
	// Strict turns ambiguities into an errors.Integrity failure.
	Strict bool
}

// DefaultOpts reports ambiguities without failing.
var DefaultOpts = Opts{}

// Ambiguity is a key that appears more than once after merging.
type Ambiguity struct {
	// Table is the store path of the affected table.
	Table string
	// Key describes the duplicated key, e.g. "genome=gA CAG=5".
	Key string
	// Shards lists the shard of every row carrying the key, sorted.
	Shards []string
}

func (a Ambiguity) String() string {
	return fmt.Sprintf("%s: %s appears %d times (shards %s)", a.Table, a.Key, len(a.Shards), strings.Join(a.Shards, ","))
}

// Report summarizes a merge.
type Report struct {
	Shards      []string
	Containment int
	// Summaries maps parameter to the number of summary rows.
	Summaries   map[string]int
	Details     int
	Ambiguities []Ambiguity
}

// group holds every row of one key.
type group struct {
	shards      []string
	summaries   []annotate.Summary
	containment []containment.Record
}

// key orders groups in a llrb tree.
type key struct {
	a, b string
	g    *group
}

// Compare compares two key objects for use in llrb.
func (k key) Compare(c llrb.Comparable) int {
	k2 := c.(key)
	if c := strings.Compare(k.a, k2.a); c != 0 {
		return c
	}
	return strings.Compare(k.b, k2.b)
}

func lookup(t *llrb.Tree, a, b string) *group {
	if c := t.Get(key{a: a, b: b}); c != nil {
		return c.(key).g
	}
	g := &group{}
	t.Insert(key{a: a, b: b, g: g})
	return g
}

type detailKey struct{ parameter, genome string }

type detailPiece struct {
	shard string
	rows  []annotate.GeneRow
}

// Merger accumulates shard artifacts. It is not safe for concurrent use.
type Merger struct {
	opts        Opts
	shards      map[string]bool
	containment llrb.Tree
	summaries   map[string]*llrb.Tree
	details     map[detailKey][]detailPiece
}

// New creates an empty Merger.
func New(opts Opts) *Merger {
	return &Merger{
		opts:      opts,
		shards:    map[string]bool{},
		summaries: map[string]*llrb.Tree{},
		details:   map[detailKey][]detailPiece{},
	}
}

// Add folds one artifact entry produced from the given shard.
func (m *Merger) Add(shard string, e *artifact.Entry) error {
	m.shards[shard] = true
	switch e.Kind {
	case artifact.KindSummary:
		if e.Parameter == "" {
			return errors.E(errors.Integrity, fmt.Sprintf("shard %s: summary entry without parameter", shard))
		}
		t := m.summaries[e.Parameter]
		if t == nil {
			t = &llrb.Tree{}
			m.summaries[e.Parameter] = t
		}
		for _, s := range e.Summaries {
			if s.Parameter != e.Parameter {
				return errors.E(errors.Integrity, fmt.Sprintf(
					"shard %s: summary for parameter %s in %s entry", shard, s.Parameter, e.Parameter))
			}
			g := lookup(t, s.Genome, "")
			g.shards = append(g.shards, shard)
			g.summaries = append(g.summaries, s)
		}
	case artifact.KindDetail:
		if e.Parameter == "" || e.Genome == "" {
			return errors.E(errors.Integrity, fmt.Sprintf("shard %s: detail entry without parameter or genome", shard))
		}
		k := detailKey{e.Parameter, e.Genome}
		m.details[k] = append(m.details[k], detailPiece{shard: shard, rows: e.Genes})
	case artifact.KindContainment:
		for _, r := range e.Containment {
			g := lookup(&m.containment, r.Genome, r.CAG)
			g.shards = append(g.shards, shard)
			g.containment = append(g.containment, r)
		}
	default:
		return errors.E(errors.Integrity, fmt.Sprintf("shard %s: unexpected artifact entry %v", shard, e.Kind))
	}
	return nil
}

// AddFile folds every entry of an artifact file.
func (m *Merger) AddFile(ctx context.Context, path string) error {
	r, err := artifact.Open(ctx, path)
	if err != nil {
		return err
	}
	shard := r.Header().Shard
	if shard == "" {
		shard = path
	}
	var n int
	once := errors.Once{}
	for r.Scan() {
		n++
		if err := m.Add(shard, r.Entry()); err != nil {
			once.Set(err)
			break
		}
	}
	once.Set(r.Close(ctx))
	if err := once.Err(); err != nil {
		return errors.E(err, "merge", path)
	}
	log.Debug.Printf("merge: %s: %d entries from shard %s (%s)", path, n, shard, r.Header().Producer)
	return nil
}

// Ambiguities lists the duplicated keys folded so far, in table then key
// order.
func (m *Merger) Ambiguities() []Ambiguity {
	var out []Ambiguity
	m.containment.Do(func(c llrb.Comparable) bool {
		k := c.(key)
		if len(k.g.shards) > 1 {
			out = append(out, ambiguity(ContainmentPath, "genome="+k.a+" CAG="+k.b, k.g.shards))
		}
		return false
	})
	for _, param := range m.parameters() {
		m.summaries[param].Do(func(c llrb.Comparable) bool {
			k := c.(key)
			if len(k.g.shards) > 1 {
				out = append(out, ambiguity(SummaryPath(param), "genome="+k.a+" parameter="+param, k.g.shards))
			}
			return false
		})
	}
	for _, k := range m.detailKeys() {
		if pieces := m.details[k]; len(pieces) > 1 {
			shards := make([]string, len(pieces))
			for i, p := range pieces {
				shards[i] = p.shard
			}
			out = append(out, ambiguity(DetailPath(k.parameter, k.genome), "genome="+k.genome+" parameter="+k.parameter, shards))
		}
	}
	return out
}

func ambiguity(table, key string, shards []string) Ambiguity {
	s := append([]string(nil), shards...)
	sort.Strings(s)
	return Ambiguity{Table: table, Key: key, Shards: s}
}

func (m *Merger) parameters() []string {
	params := make([]string, 0, len(m.summaries))
	for p := range m.summaries {
		params = append(params, p)
	}
	sort.Strings(params)
	return params
}

func (m *Merger) detailKeys() []detailKey {
	keys := make([]detailKey, 0, len(m.details))
	for k := range m.details {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].parameter != keys[j].parameter {
			return keys[i].parameter < keys[j].parameter
		}
		return keys[i].genome < keys[j].genome
	})
	return keys
}

// Write writes the merged tables and the manifest to st. With Opts.Strict,
// nothing is written when there are ambiguities.
func (m *Merger) Write(ctx context.Context, st *store.Store, manifest *catalog.Manifest) (Report, error) {
	rep := Report{Summaries: map[string]int{}, Ambiguities: m.Ambiguities()}
	for s := range m.shards {
		rep.Shards = append(rep.Shards, s)
	}
	sort.Strings(rep.Shards)
	for _, a := range rep.Ambiguities {
		log.Error.Printf("merge: ambiguous key: %v", a)
	}
	if m.opts.Strict && len(rep.Ambiguities) > 0 {
		return rep, errors.E(errors.Integrity, fmt.Sprintf(
			"merge: %d ambiguous keys, first: %v", len(rep.Ambiguities), rep.Ambiguities[0]))
	}

	if manifest != nil {
		if err := st.Write(ctx, ManifestPath, manifestTable(manifest.Without(catalog.ManifestURIColumn))); err != nil {
			return rep, err
		}
	}

	t := &store.Table{Columns: ContainmentColumns}
	m.containment.Do(func(c llrb.Comparable) bool {
		g := c.(key).g
		for _, i := range byShard(g.shards) {
			t.Rows = append(t.Rows, containmentRow(&g.containment[i]))
		}
		return false
	})
	if err := st.Write(ctx, ContainmentPath, t); err != nil {
		return rep, err
	}
	for _, col := range []string{"genome", "CAG"} {
		if err := st.Index(ctx, ContainmentPath, col); err != nil {
			return rep, err
		}
	}
	rep.Containment = len(t.Rows)

	for _, param := range m.parameters() {
		t := &store.Table{Columns: SummaryColumns}
		m.summaries[param].Do(func(c llrb.Comparable) bool {
			g := c.(key).g
			for _, i := range byShard(g.shards) {
				t.Rows = append(t.Rows, summaryRow(&g.summaries[i]))
			}
			return false
		})
		if err := st.Write(ctx, SummaryPath(param), t); err != nil {
			return rep, err
		}
		rep.Summaries[param] = len(t.Rows)
	}

	for _, k := range m.detailKeys() {
		pieces := m.details[k]
		sort.SliceStable(pieces, func(i, j int) bool { return pieces[i].shard < pieces[j].shard })
		var rows []annotate.GeneRow
		for _, p := range pieces {
			rows = append(rows, p.rows...)
		}
		annotate.SortRows(rows)
		t := &store.Table{Columns: DetailColumns, Rows: make([][]interface{}, len(rows))}
		for i := range rows {
			t.Rows[i] = detailRow(&rows[i])
		}
		if err := st.Write(ctx, DetailPath(k.parameter, k.genome), t); err != nil {
			return rep, err
		}
		rep.Details++
	}

	if err := st.Write(ctx, DiagnosticsPath, diagnosticsTable(rep.Ambiguities)); err != nil {
		return rep, err
	}
	log.Printf("merge: %d shards, %d containment rows, %d parameters, %d detail tables, %d ambiguities",
		len(rep.Shards), rep.Containment, len(rep.Summaries), rep.Details, len(rep.Ambiguities))
	return rep, nil
}

// byShard returns the indexes of shards in shard-name order.
func byShard(shards []string) []int {
	idx := make([]int, len(shards))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return shards[idx[i]] < shards[idx[j]] })
	return idx
}

// Run merges the artifact files at paths into st.
func Run(ctx context.Context, opts Opts, paths []string, manifest *catalog.Manifest, st *store.Store) (Report, error) {
	m := New(opts)
	for _, path := range paths {
		if err := m.AddFile(ctx, path); err != nil {
			return Report{}, err
		}
	}
	return m.Write(ctx, st, manifest)
}
