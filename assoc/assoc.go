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

// Package assoc builds the per-parameter CAG association tables: the gene
// statistics are filtered to the tested coefficients, pivoted to one row per
// CAG, and corrected for multiple testing independently for each parameter.
package assoc

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Opts controls how association tables are built.
type Opts struct {
	// Method is the multiple-testing correction, one of Methods.
	Method string
	// Alpha is the target false discovery rate. A CAG passes when its adjusted
	// p-value is <= Alpha.
	Alpha float64
	// ParameterPrefix marks the rows of the tested coefficient. Rows whose
	// parameter lacks the prefix are dropped and the prefix is stripped from
	// the rest.
	ParameterPrefix string
	// Intercept names the baseline coefficient, which is never tested.
	Intercept string
}

// DefaultOpts sets the default values to Opts.
var DefaultOpts = Opts{
	Method:          MethodBH,
	Alpha:           0.2,
	ParameterPrefix: "mu.",
	Intercept:       "(Intercept)",
}

// Validate checks that the options are usable.
func (o Opts) Validate() error {
	if !ValidMethod(o.Method) {
		return errors.E(errors.Invalid, fmt.Sprintf("unknown fdr method %q (supported: %v)", o.Method, Methods))
	}
	if !(o.Alpha > 0 && o.Alpha < 1) {
		return errors.E(errors.Invalid, fmt.Sprintf("alpha must be in (0,1), got %v", o.Alpha))
	}
	return nil
}

// Association is the statistics of one CAG for one parameter. Missing values
// are NaN.
type Association struct {
	CAG          string
	Parameter    string
	Estimate     float64
	StdError     float64
	PValue       float64
	FDRAdjustedP float64
	PassFDR      bool
}

// Table holds the associations of every tested CAG for one parameter.
type Table struct {
	Parameter string
	Method    string
	Alpha     float64

	byCAG map[string]*Association
	cags  []string // sorted
}

// Get returns the association of cag. The second result is false if cag was
// not tested for this parameter.
func (t *Table) Get(cag string) (Association, bool) {
	a, ok := t.byCAG[cag]
	if !ok {
		return Association{}, false
	}
	return *a, true
}

// CAGs returns the tested CAGs in sorted order.
func (t *Table) CAGs() []string { return t.cags }

// Len returns the number of tested CAGs.
func (t *Table) Len() int { return len(t.cags) }

// NumPass returns the number of CAGs passing the FDR threshold.
func (t *Table) NumPass() int {
	n := 0
	for _, a := range t.byCAG {
		if a.PassFDR {
			n++
		}
	}
	return n
}

// Tables maps a parameter name to its association table. Parameter names are
// opaque and data-dependent.
type Tables map[string]*Table

// Parameters returns the parameter names in sorted order.
func (ts Tables) Parameters() []string {
	params := make([]string, 0, len(ts))
	for p := range ts {
		params = append(params, p)
	}
	sort.Strings(params)
	return params
}

// CAGIndex reports whether a CAG exists in the gene catalog.
type CAGIndex interface {
	HasCAG(cag string) bool
}

// Build filters, pivots and FDR-corrects the gene statistics. Every CAG in
// the retained rows must be known to cags.
func Build(stats []Stat, cags CAGIndex, opts Opts) (Tables, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	type key struct{ param, cag string }
	type typeKey struct {
		key
		typ string
	}
	var (
		pivot  = map[key]*Association{}
		seen   = map[typeKey]bool{}
		nKept  int
		nOther int
	)
	for _, s := range stats {
		if !strings.HasPrefix(s.Parameter, opts.ParameterPrefix) {
			continue
		}
		param := strings.TrimPrefix(s.Parameter, opts.ParameterPrefix)
		if param == "" || param == opts.Intercept || s.Parameter == opts.Intercept {
			continue
		}
		switch s.Type {
		case TypeEstimate, TypeStdError, TypePValue:
		default:
			nOther++
			continue
		}
		nKept++
		if !cags.HasCAG(s.CAG) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("CAG %q (parameter %s) is not in the gene catalog", s.CAG, param))
		}
		k := key{param, s.CAG}
		tk := typeKey{k, s.Type}
		if seen[tk] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("duplicate %s for CAG %s, parameter %s", s.Type, s.CAG, param))
		}
		seen[tk] = true
		a := pivot[k]
		if a == nil {
			a = &Association{
				CAG:          s.CAG,
				Parameter:    param,
				Estimate:     math.NaN(),
				StdError:     math.NaN(),
				PValue:       math.NaN(),
				FDRAdjustedP: math.NaN(),
			}
			pivot[k] = a
		}
		switch s.Type {
		case TypeEstimate:
			a.Estimate = s.Value
		case TypeStdError:
			a.StdError = s.Value
		case TypePValue:
			if !math.IsNaN(s.Value) && (s.Value < 0 || s.Value > 1) {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("p-value %v out of range for CAG %s, parameter %s", s.Value, s.CAG, param))
			}
			a.PValue = s.Value
		}
	}
	if nKept == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("no statistics remain after filtering on parameter prefix %q", opts.ParameterPrefix))
	}
	if nOther > 0 {
		log.Debug.Printf("assoc: ignored %d rows with other value types", nOther)
	}

	tables := Tables{}
	for k, a := range pivot {
		t := tables[k.param]
		if t == nil {
			t = &Table{Parameter: k.param, Method: opts.Method, Alpha: opts.Alpha, byCAG: map[string]*Association{}}
			tables[k.param] = t
		}
		t.byCAG[k.cag] = a
	}
	for _, param := range tables.Parameters() {
		t := tables[param]
		if err := t.correct(); err != nil {
			return nil, err
		}
		log.Printf("assoc: parameter %s: %d CAGs tested, %d pass %s at alpha=%v",
			param, t.Len(), t.NumPass(), t.Method, t.Alpha)
	}
	return tables, nil
}

// correct applies the multiple-testing correction over the CAGs of t only.
func (t *Table) correct() error {
	t.cags = make([]string, 0, len(t.byCAG))
	for cag := range t.byCAG {
		t.cags = append(t.cags, cag)
	}
	sort.Strings(t.cags)
	pvalues := make([]float64, len(t.cags))
	for i, cag := range t.cags {
		pvalues[i] = t.byCAG[cag].PValue
	}
	adj, err := Adjust(t.Method, pvalues)
	if err != nil {
		return err
	}
	for i, cag := range t.cags {
		a := t.byCAG[cag]
		a.FDRAdjustedP = adj[i]
		a.PassFDR = adj[i] <= t.Alpha
	}
	return nil
}
