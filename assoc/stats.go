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
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cagassoc/encoding/table"
)

// Value types found in the "type" column of the gene statistics table. Other
// types (e.g. dispersion terms) are ignored.
const (
	TypeEstimate = "estimate"
	TypeStdError = "std_error"
	TypePValue   = "p_value"
)

// Stat is one row of the long-format gene statistics table. Value is NaN when
// the input cell is empty or "NA".
type Stat struct {
	CAG       string
	Parameter string
	Type      string
	Value     float64
}

type statRow struct {
	CAG       string `tsv:"CAG"`
	Parameter string `tsv:"parameter"`
	Type      string `tsv:"type"`
	Value     string `tsv:"value"`
}

// ReadStats reads the gene statistics table at path. The table must have
// "CAG", "parameter", "type" and "value" columns.
func ReadStats(ctx context.Context, path string) (stats []Stat, err error) {
	r, err := table.Open(ctx, path, "CAG", "parameter", "type", "value")
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}()
	for line := 2; ; line++ {
		var row statRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, path)
		}
		v, err := parseValue(row.Value)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d: %v", path, line, err))
		}
		stats = append(stats, Stat{
			CAG:       strings.TrimSpace(row.CAG),
			Parameter: strings.TrimSpace(row.Parameter),
			Type:      strings.TrimSpace(row.Type),
			Value:     v,
		})
	}
	log.Debug.Printf("%s: read %d statistics", path, len(stats))
	return stats, nil
}

func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "none", "null":
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", s)
	}
	return v, nil
}
