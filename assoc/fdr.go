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

package assoc

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
)

// Multiple-testing correction methods accepted by Adjust. The names follow
// the conventions of statsmodels' multipletests.
const (
	MethodBH         = "fdr_bh"
	MethodBY         = "fdr_by"
	MethodBonferroni = "bonferroni"
	MethodHolm       = "holm"
)

// Methods lists the supported correction methods.
var Methods = []string{MethodBH, MethodBY, MethodBonferroni, MethodHolm}

// ValidMethod reports whether method is supported by Adjust.
func ValidMethod(method string) bool {
	for _, m := range Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Adjust returns multiple-testing adjusted p-values, in the order of pvalues.
// NaN p-values are treated as 1. Adjusted values are clipped to 1.
func Adjust(method string, pvalues []float64) ([]float64, error) {
	if !ValidMethod(method) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown multiple-testing method %q (supported: %v)", method, Methods))
	}
	n := len(pvalues)
	adj := make([]float64, n)
	if n == 0 {
		return adj, nil
	}
	p := make([]float64, n)
	for i, v := range pvalues {
		if math.IsNaN(v) {
			v = 1
		}
		p[i] = v
	}
	// order[k] is the index of the k'th smallest p-value. Ties keep input
	// order so results are deterministic.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return p[order[a]] < p[order[b]] })
	m := float64(n)

	switch method {
	case MethodBonferroni:
		for i, v := range p {
			adj[i] = math.Min(1, v*m)
		}
	case MethodHolm:
		running := 0.0
		for k, i := range order {
			v := math.Min(1, (m-float64(k))*p[i])
			running = math.Max(running, v)
			adj[i] = running
		}
	case MethodBH, MethodBY:
		c := 1.0
		if method == MethodBY {
			c = 0
			for k := 1; k <= n; k++ {
				c += 1 / float64(k)
			}
		}
		running := 1.0
		for k := n - 1; k >= 0; k-- {
			i := order[k]
			v := p[i] * c * m / float64(k+1)
			running = math.Min(running, v)
			adj[i] = running
		}
	}
	return adj, nil
}
