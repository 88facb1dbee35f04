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

package merge_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/cagassoc/alignment"
	"github.com/grailbio/cagassoc/annotate"
	"github.com/grailbio/cagassoc/artifact"
	"github.com/grailbio/cagassoc/catalog"
	"github.com/grailbio/cagassoc/containment"
	"github.com/grailbio/cagassoc/merge"
	"github.com/grailbio/cagassoc/store"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shardEntries struct {
	shard   string
	entries []artifact.Entry
}

func summary(genome string, total, pass int, mean float64) annotate.Summary {
	return annotate.Summary{
		Genome: genome, Parameter: "treatment", TotalGenes: total, NPassFDR: pass,
		PropPassFDR: float64(pass) / float64(total), MeanEstimate: mean,
	}
}

func geneRow(genome, contig, gene string) annotate.GeneRow {
	return annotate.GeneRow{
		Row:       alignment.Row{Record: alignment.Record{Contig: contig, Gene: gene, ContigStart: 1, ContigEnd: 10, ContigLen: 100}, Genome: genome, CAG: "5"},
		Parameter: "treatment", Estimate: math.NaN(), StdError: math.NaN(), PValue: math.NaN(), FDRAdjustedP: math.NaN(),
	}
}

func fixture() []shardEntries {
	return []shardEntries{
		{"s0", []artifact.Entry{
			{Kind: artifact.KindSummary, Parameter: "treatment", Summaries: []annotate.Summary{summary("gA", 2, 1, 0.5)}},
			{Kind: artifact.KindDetail, Parameter: "treatment", Genome: "gA", Genes: []annotate.GeneRow{geneRow("gA", "c2", "x"), geneRow("gA", "c1", "y")}},
			{Kind: artifact.KindContainment, Containment: []containment.Record{
				{Genome: "gA", CAG: "5", NGenes: 2, Containment: 0.5, GenomeProp: 0.5, GenomeBases: 150, CAGProp: 0.5},
			}},
		}},
		{"s1", []artifact.Entry{
			{Kind: artifact.KindSummary, Parameter: "treatment", Summaries: []annotate.Summary{summary("gB", 4, 0, math.NaN())}},
			{Kind: artifact.KindContainment, Containment: []containment.Record{
				{Genome: "gB", CAG: "7", NGenes: 1, Containment: 0.25, GenomeProp: 0.1, GenomeBases: 10, CAGProp: 0.25},
				{Genome: "gB", CAG: "5", NGenes: 1, Containment: 0.25, GenomeProp: 0.01, GenomeBases: 1, CAGProp: 0.25},
			}},
		}},
		// A shard with no overlaps at all.
		{"s2", []artifact.Entry{
			{Kind: artifact.KindSummary, Parameter: "treatment"},
			{Kind: artifact.KindContainment},
		}},
	}
}

func manifest() *catalog.Manifest {
	return &catalog.Manifest{
		Columns: []string{"id", "uri", "name"},
		Rows:    [][]string{{"gA", "s3://a", "alpha"}, {"gB", "s3://b", "beta"}},
	}
}

func newStore(t *testing.T, dir, name string) *store.Store {
	st, err := store.Create(context.Background(), filepath.Join(dir, name), "")
	require.NoError(t, err)
	return st
}

func fold(t *testing.T, opts merge.Opts, shards []shardEntries) *merge.Merger {
	m := merge.New(opts)
	for _, s := range shards {
		for i := range s.entries {
			require.NoError(t, m.Add(s.shard, &s.entries[i]))
		}
	}
	return m
}

func TestWrite(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()
	st := newStore(t, tmpdir, "out.db")
	defer st.Discard() // nolint: errcheck

	rep, err := fold(t, merge.DefaultOpts, fixture()).Write(ctx, st, manifest())
	require.NoError(t, err)
	assert.Equal(t, []string{"s0", "s1", "s2"}, rep.Shards)
	assert.Equal(t, 3, rep.Containment)
	assert.Equal(t, map[string]int{"treatment": 2}, rep.Summaries)
	assert.Equal(t, 1, rep.Details)
	assert.Empty(t, rep.Ambiguities)

	tab, err := st.Read(ctx, merge.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, []store.Column{{Name: "id", Type: store.Text}, {Name: "name", Type: store.Text}}, tab.Columns)
	assert.Equal(t, [][]interface{}{{"gA", "alpha"}, {"gB", "beta"}}, tab.Rows)

	tab, err = st.Read(ctx, merge.ContainmentPath)
	require.NoError(t, err)
	assert.Equal(t, merge.ContainmentColumns, tab.Columns)
	require.Len(t, tab.Rows, 3)
	assert.Equal(t, []interface{}{"gA", "5", int64(2), 0.5, 0.5, int64(150), 0.5}, tab.Rows[0])
	assert.Equal(t, "5", tab.Rows[1][1])
	assert.Equal(t, "7", tab.Rows[2][1])

	tab, err = st.Read(ctx, merge.SummaryPath("treatment"))
	require.NoError(t, err)
	require.Len(t, tab.Rows, 2)
	assert.Equal(t, []interface{}{"gA", "treatment", int64(2), int64(1), 0.5, 0.5}, tab.Rows[0])
	assert.True(t, math.IsNaN(tab.Rows[1][5].(float64)))

	tab, err = st.Read(ctx, merge.DetailPath("treatment", "gA"))
	require.NoError(t, err)
	require.Len(t, tab.Rows, 2)
	assert.Equal(t, "c1", tab.Rows[0][1])
	assert.Equal(t, "c2", tab.Rows[1][1])

	tab, err = st.Read(ctx, merge.DiagnosticsPath)
	require.NoError(t, err)
	assert.Empty(t, tab.Rows)
}

// Folding shards in a different order yields the same tables, row for row.
func TestShardOrderIndependence(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	shards := fixture()
	reversed := []shardEntries{shards[2], shards[1], shards[0]}
	st1 := newStore(t, tmpdir, "a.db")
	defer st1.Discard() // nolint: errcheck
	st2 := newStore(t, tmpdir, "b.db")
	defer st2.Discard() // nolint: errcheck
	_, err := fold(t, merge.DefaultOpts, shards).Write(ctx, st1, manifest())
	require.NoError(t, err)
	_, err = fold(t, merge.DefaultOpts, reversed).Write(ctx, st2, manifest())
	require.NoError(t, err)

	paths, err := st1.Paths(ctx, "/genomes/")
	require.NoError(t, err)
	paths2, err := st2.Paths(ctx, "/genomes/")
	require.NoError(t, err)
	assert.Equal(t, paths, paths2)
	for _, p := range paths {
		t1, err := st1.Read(ctx, p)
		require.NoError(t, err)
		t2, err := st2.Read(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, store.TableChecksum(t1), store.TableChecksum(t2), p)
		require.Equal(t, len(t1.Rows), len(t2.Rows), p)
		for i := range t1.Rows {
			assert.Equal(t, t1.Rows[i][0], t2.Rows[i][0], p)
		}
	}
}

func TestDuplicateKeys(t *testing.T) {
	shards := fixture()
	// gA leaks into s1: its summary, detail and containment rows are duplicated.
	shards[1].entries = append(shards[1].entries,
		artifact.Entry{Kind: artifact.KindSummary, Parameter: "treatment", Summaries: []annotate.Summary{summary("gA", 1, 0, math.NaN())}},
		artifact.Entry{Kind: artifact.KindDetail, Parameter: "treatment", Genome: "gA", Genes: []annotate.GeneRow{geneRow("gA", "c9", "z")}},
		artifact.Entry{Kind: artifact.KindContainment, Containment: []containment.Record{
			{Genome: "gA", CAG: "5", NGenes: 1, Containment: 0.1, GenomeProp: 0.1, GenomeBases: 1, CAGProp: 0.05},
		}},
	)

	t.Run("report", func(t *testing.T) {
		tmpdir, cleanup := testutil.TempDir(t, "", "")
		defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
		ctx := context.Background()
		st := newStore(t, tmpdir, "out.db")
		defer st.Discard() // nolint: errcheck

		rep, err := fold(t, merge.DefaultOpts, shards).Write(ctx, st, manifest())
		require.NoError(t, err)
		require.Len(t, rep.Ambiguities, 3)
		assert.Equal(t, merge.Ambiguity{Table: merge.ContainmentPath, Key: "genome=gA CAG=5", Shards: []string{"s0", "s1"}}, rep.Ambiguities[0])
		assert.Equal(t, merge.SummaryPath("treatment"), rep.Ambiguities[1].Table)
		assert.Equal(t, merge.DetailPath("treatment", "gA"), rep.Ambiguities[2].Table)

		// Both rows are retained.
		n, err := st.NumRows(ctx, merge.ContainmentPath)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		n, err = st.NumRows(ctx, merge.SummaryPath("treatment"))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		n, err = st.NumRows(ctx, merge.DetailPath("treatment", "gA"))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		n, err = st.NumRows(ctx, merge.DiagnosticsPath)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("strict", func(t *testing.T) {
		tmpdir, cleanup := testutil.TempDir(t, "", "")
		defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
		ctx := context.Background()
		st := newStore(t, tmpdir, "out.db")
		defer st.Discard() // nolint: errcheck

		_, err := fold(t, merge.Opts{Strict: true}, shards).Write(ctx, st, manifest())
		assert.True(t, errors.Is(errors.Integrity, err))
		has, err := st.Has(ctx, merge.ManifestPath)
		require.NoError(t, err)
		assert.False(t, has)
	})
}

func TestClosedWorld(t *testing.T) {
	m := merge.New(merge.DefaultOpts)
	err := m.Add("s0", &artifact.Entry{Kind: artifact.Kind(42)})
	assert.True(t, errors.Is(errors.Integrity, err))
	err = m.Add("s0", &artifact.Entry{Kind: artifact.KindDetail, Parameter: "treatment"})
	assert.True(t, errors.Is(errors.Integrity, err))
	err = m.Add("s0", &artifact.Entry{Kind: artifact.KindSummary, Parameter: "age",
		Summaries: []annotate.Summary{summary("gA", 1, 1, 1)}})
	assert.True(t, errors.Is(errors.Integrity, err))
}

func TestRun(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	var paths []string
	for _, s := range fixture() {
		path := filepath.Join(tmpdir, s.shard+".rio")
		require.NoError(t, artifact.WriteAll(ctx, path, artifact.Header{Shard: s.shard, Producer: "test"}, s.entries))
		paths = append(paths, path)
	}
	st := newStore(t, tmpdir, "out.db")
	defer st.Discard() // nolint: errcheck
	rep, err := merge.Run(ctx, merge.DefaultOpts, paths, manifest(), st)
	require.NoError(t, err)
	assert.Equal(t, []string{"s0", "s1", "s2"}, rep.Shards)
	assert.Equal(t, 3, rep.Containment)

	// A declared artifact that does not exist fails the merge.
	st2 := newStore(t, tmpdir, "out2.db")
	defer st2.Discard() // nolint: errcheck
	_, err = merge.Run(ctx, merge.DefaultOpts, append(paths, filepath.Join(tmpdir, "s3.rio")), manifest(), st2)
	assert.Error(t, err)
}
