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

package assoc_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/cagassoc/assoc"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cagSet map[string]bool

func (s cagSet) HasCAG(cag string) bool { return s[cag] }

func allCAGs(ids ...string) cagSet {
	s := cagSet{}
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func pvalueStats(param string, cags []string, pvalues []float64) []assoc.Stat {
	var stats []assoc.Stat
	for i, cag := range cags {
		stats = append(stats,
			assoc.Stat{CAG: cag, Parameter: "mu." + param, Type: assoc.TypeEstimate, Value: float64(i + 1)},
			assoc.Stat{CAG: cag, Parameter: "mu." + param, Type: assoc.TypeStdError, Value: 0.1},
			assoc.Stat{CAG: cag, Parameter: "mu." + param, Type: assoc.TypePValue, Value: pvalues[i]},
		)
	}
	return stats
}

func TestAdjust(t *testing.T) {
	tests := []struct {
		method string
		in     []float64
		want   []float64
	}{
		{assoc.MethodBH, []float64{0.01, 0.5, 0.9}, []float64{0.03, 0.75, 0.9}},
		{assoc.MethodBH, []float64{0.9, 0.01, 0.5}, []float64{0.9, 0.03, 0.75}},
		{assoc.MethodBH, []float64{0.01, 0.02, 0.03, 0.04}, []float64{0.04, 0.04, 0.04, 0.04}},
		{assoc.MethodBH, []float64{0.01, math.NaN()}, []float64{0.02, 1}},
		{assoc.MethodBY, []float64{0.01, 0.5, 0.9}, []float64{0.01 * 3 * (1 + 1.0/2 + 1.0/3), 1, 1}},
		{assoc.MethodBonferroni, []float64{0.01, 0.5, 0.2}, []float64{0.03, 1, 0.6}},
		{assoc.MethodHolm, []float64{0.01, 0.04, 0.03}, []float64{0.03, 0.06, 0.06}},
		{assoc.MethodBH, nil, []float64{}},
	}
	for _, test := range tests {
		got, err := assoc.Adjust(test.method, test.in)
		require.NoError(t, err)
		require.Equal(t, len(test.want), len(got), "%s %v", test.method, test.in)
		for i := range got {
			assert.InDelta(t, test.want[i], got[i], 1e-12, "%s %v [%d]", test.method, test.in, i)
		}
	}
	_, err := assoc.Adjust("fdr_magic", []float64{0.1})
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestBuildSinglePass(t *testing.T) {
	stats := pvalueStats("treatment", []string{"1", "2", "3"}, []float64{0.01, 0.5, 0.9})
	// Intercept and other coefficients are dropped.
	stats = append(stats,
		assoc.Stat{CAG: "1", Parameter: "mu.(Intercept)", Type: assoc.TypePValue, Value: 0.0001},
		assoc.Stat{CAG: "1", Parameter: "phi.treatment", Type: assoc.TypePValue, Value: 0.0001},
		assoc.Stat{CAG: "1", Parameter: "mu.treatment", Type: "dispersion", Value: 3},
	)
	opts := assoc.DefaultOpts
	opts.Alpha = 0.2
	tables, err := assoc.Build(stats, allCAGs("1", "2", "3"), opts)
	require.NoError(t, err)
	expect.EQ(t, tables.Parameters(), []string{"treatment"})

	tbl := tables["treatment"]
	expect.EQ(t, tbl.Len(), 3)
	expect.EQ(t, tbl.NumPass(), 1)
	a, ok := tbl.Get("1")
	expect.True(t, ok)
	expect.True(t, a.PassFDR)
	assert.InDelta(t, 0.03, a.FDRAdjustedP, 1e-12)
	expect.EQ(t, a.Estimate, 1.0)
	expect.EQ(t, a.StdError, 0.1)
	for _, cag := range []string{"2", "3"} {
		a, _ := tbl.Get(cag)
		expect.False(t, a.PassFDR)
	}
	_, ok = tbl.Get("99")
	expect.False(t, ok)
}

func TestBuildPerParameterCorrection(t *testing.T) {
	cags := []string{"1", "2", "3"}
	alone, err := assoc.Build(pvalueStats("treatment", cags, []float64{0.01, 0.5, 0.9}), allCAGs(cags...), assoc.DefaultOpts)
	require.NoError(t, err)

	many := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	stats := pvalueStats("treatment", cags, []float64{0.01, 0.5, 0.9})
	stats = append(stats, pvalueStats("age", many, []float64{1e-5, 1e-5, 1e-5, 1e-5, 1e-5, 1e-5, 1e-5, 1e-5})...)
	mixed, err := assoc.Build(stats, allCAGs(many...), assoc.DefaultOpts)
	require.NoError(t, err)
	expect.EQ(t, mixed.Parameters(), []string{"age", "treatment"})
	for _, cag := range cags {
		a, _ := alone["treatment"].Get(cag)
		b, _ := mixed["treatment"].Get(cag)
		expect.EQ(t, a, b)
	}
	expect.EQ(t, mixed["age"].NumPass(), 8)
}

func TestBuildMissingPValue(t *testing.T) {
	stats := []assoc.Stat{
		{CAG: "1", Parameter: "mu.treatment", Type: assoc.TypeEstimate, Value: 2},
		{CAG: "2", Parameter: "mu.treatment", Type: assoc.TypePValue, Value: 0.001},
	}
	tables, err := assoc.Build(stats, allCAGs("1", "2"), assoc.DefaultOpts)
	require.NoError(t, err)
	a, ok := tables["treatment"].Get("1")
	expect.True(t, ok)
	expect.True(t, math.IsNaN(a.PValue))
	expect.EQ(t, a.FDRAdjustedP, 1.0)
	expect.False(t, a.PassFDR)
	b, _ := tables["treatment"].Get("2")
	expect.True(t, math.IsNaN(b.Estimate))
	expect.True(t, b.PassFDR)
}

func TestFDRMonotonicInAlpha(t *testing.T) {
	cags := []string{"1", "2", "3", "4", "5", "6"}
	stats := pvalueStats("treatment", cags, []float64{0.001, 0.01, 0.04, 0.05, 0.2, 0.7})
	for _, method := range assoc.Methods {
		prev := -1
		for _, alpha := range []float64{0.001, 0.01, 0.05, 0.1, 0.2, 0.5, 0.9, 0.99} {
			opts := assoc.DefaultOpts
			opts.Method = method
			opts.Alpha = alpha
			tables, err := assoc.Build(stats, allCAGs(cags...), opts)
			require.NoError(t, err)
			n := tables["treatment"].NumPass()
			assert.GreaterOrEqual(t, n, prev, "%s alpha=%v", method, alpha)
			prev = n
		}
	}
}

func TestBuildValidation(t *testing.T) {
	good := pvalueStats("treatment", []string{"1"}, []float64{0.01})
	tests := []struct {
		name  string
		stats []assoc.Stat
		cags  cagSet
		opts  func(*assoc.Opts)
	}{
		{"no rows", []assoc.Stat{{CAG: "1", Parameter: "mu.(Intercept)", Type: assoc.TypePValue, Value: 0.1}}, allCAGs("1"), nil},
		{"unknown CAG", good, allCAGs("2"), nil},
		{"duplicate", append(append([]assoc.Stat{}, good...), good[2]), allCAGs("1"), nil},
		{"bad pvalue", []assoc.Stat{{CAG: "1", Parameter: "mu.x", Type: assoc.TypePValue, Value: 1.5}}, allCAGs("1"), nil},
		{"bad alpha", good, allCAGs("1"), func(o *assoc.Opts) { o.Alpha = 1 }},
		{"bad method", good, allCAGs("1"), func(o *assoc.Opts) { o.Method = "fdr_none" }},
	}
	for _, test := range tests {
		opts := assoc.DefaultOpts
		if test.opts != nil {
			test.opts(&opts)
		}
		_, err := assoc.Build(test.stats, test.cags, opts)
		expect.True(t, errors.Is(errors.Invalid, err), "%s: %v", test.name, err)
	}
}

func TestReadStats(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	path := filepath.Join(tmpdir, "stats.csv")
	data := "CAG,parameter,type,value\n" +
		"1,mu.treatment,estimate,1.5\n" +
		"1,mu.treatment,p_value,NA\n" +
		"2,mu.treatment,p_value,\n" +
		"2,mu.treatment,estimate,-2e-3\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	stats, err := assoc.ReadStats(ctx, path)
	require.NoError(t, err)
	require.Len(t, stats, 4)
	expect.EQ(t, stats[0], assoc.Stat{CAG: "1", Parameter: "mu.treatment", Type: "estimate", Value: 1.5})
	expect.True(t, math.IsNaN(stats[1].Value))
	expect.True(t, math.IsNaN(stats[2].Value))
	expect.EQ(t, stats[3].Value, -2e-3)

	bad := filepath.Join(tmpdir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("CAG,parameter,type,value\n1,mu.x,estimate,abc\n"), 0644))
	_, err = assoc.ReadStats(ctx, bad)
	expect.True(t, errors.Is(errors.Invalid, err))

	noValue := filepath.Join(tmpdir, "novalue.csv")
	require.NoError(t, os.WriteFile(noValue, []byte("CAG,parameter,type\n1,mu.x,estimate\n"), 0644))
	_, err = assoc.ReadStats(ctx, noValue)
	expect.True(t, errors.Is(errors.Invalid, err))
}
