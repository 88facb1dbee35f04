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

package artifact_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/cagassoc/alignment"
	"github.com/grailbio/cagassoc/annotate"
	"github.com/grailbio/cagassoc/artifact"
	"github.com/grailbio/cagassoc/containment"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries() []artifact.Entry {
	return []artifact.Entry{
		{
			Kind:      artifact.KindSummary,
			Parameter: "treatment",
			Summaries: []annotate.Summary{
				{Genome: "gA", Parameter: "treatment", TotalGenes: 3, NPassFDR: 0, MeanEstimate: math.NaN()},
				{Genome: "gB", Parameter: "treatment", TotalGenes: 2, NPassFDR: 1, PropPassFDR: 0.5, MeanEstimate: 1.5},
			},
		},
		{
			Kind:      artifact.KindDetail,
			Parameter: "treatment",
			Genome:    "gB",
			Genes: []annotate.GeneRow{{
				Row:       alignment.Row{Record: alignment.Record{Contig: "c1", Gene: "g1", ContigLen: 10}, Genome: "gB", CAG: "5"},
				Parameter: "treatment", Estimate: 1.5, PValue: 0.01, FDRAdjustedP: 0.03, Tested: true, PassFDR: true,
			}},
		},
		{
			Kind: artifact.KindContainment,
			Containment: []containment.Record{
				{Genome: "gA", CAG: "5", NGenes: 2, Containment: 0.5, GenomeProp: 0.5, GenomeBases: 150, CAGProp: 0.5},
			},
		},
	}
}

func TestWriteRead(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()
	path := filepath.Join(tmpdir, "s0.annotate.rio")

	want := entries()
	require.NoError(t, artifact.WriteAll(ctx, path, artifact.Header{Shard: "s0", Producer: "annotate"}, want))
	h, got, err := artifact.ReadAll(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, artifact.Header{Shard: "s0", Producer: "annotate"}, h)
	require.Len(t, got, len(want))
	assert.Equal(t, artifact.KindSummary, got[0].Kind)
	assert.True(t, math.IsNaN(got[0].Summaries[0].MeanEstimate))
	assert.Equal(t, want[0].Summaries[1], got[0].Summaries[1])
	assert.Equal(t, want[1], got[1])
	assert.Equal(t, want[2], got[2])
}

func TestEmptyArtifact(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()
	path := filepath.Join(tmpdir, "empty.rio")
	require.NoError(t, artifact.WriteAll(ctx, path, artifact.Header{Shard: "empty", Producer: "contain"}, nil))
	h, got, err := artifact.ReadAll(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "empty", h.Shard)
	assert.Empty(t, got)
}

func TestCorruptArtifact(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	path := filepath.Join(tmpdir, "bad.rio")
	require.NoError(t, os.WriteFile(path, []byte("not a recordio file"), 0644))
	_, _, err := artifact.ReadAll(ctx, path)
	assert.Error(t, err)

	_, _, err = artifact.ReadAll(ctx, filepath.Join(tmpdir, "missing.rio"))
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "summary", artifact.KindSummary.String())
	assert.Equal(t, "detail", artifact.KindDetail.String())
	assert.Equal(t, "containment", artifact.KindContainment.String())
	assert.Equal(t, "kind(9)", artifact.Kind(9).String())
}
