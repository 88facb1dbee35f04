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

package alignment

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// AlignerOpts configures the external aligner. The thresholds are applied by
// the aligner itself; nothing downstream filters on them again.
type AlignerOpts struct {
	// Binary is the aligner executable.
	Binary string
	// MinCoverage is the minimum percentage of the gene covered by a hit.
	MinCoverage float64
	// MinIdentity is the minimum percent identity of a hit.
	MinIdentity float64
	// Threads is the number of aligner threads.
	Threads int
}

// DefaultAlignerOpts sets the default values to AlignerOpts.
var DefaultAlignerOpts = AlignerOpts{
	Binary:      "diamond",
	MinCoverage: 50,
	MinIdentity: 50,
	Threads:     4,
}

// OutputFields is the aligner's tabular output format. The column order is
// the one Read expects.
var OutputFields = []string{
	"qseqid", "sseqid", "pident", "length",
	"qstart", "qend", "qlen",
	"sstart", "send", "slen",
}

// Args returns the aligner arguments that align the contigs in queryPath
// against the gene database at dbPath and write gzipped tabular output to
// outPath.
func (o AlignerOpts) Args(queryPath, dbPath, outPath string) []string {
	args := []string{
		"blastx",
		"--query", queryPath,
		"--db", dbPath,
		"--out", outPath,
		"--outfmt", "6",
	}
	args = append(args, OutputFields...)
	return append(args,
		"--subject-cover", strconv.FormatFloat(o.MinCoverage, 'g', -1, 64),
		"--id", strconv.FormatFloat(o.MinIdentity, 'g', -1, 64),
		"--threads", strconv.Itoa(o.Threads),
		"--compress", "1",
	)
}

// Validate checks the thresholds.
func (o AlignerOpts) Validate() error {
	if o.MinCoverage < 0 || o.MinCoverage > 100 {
		return errors.E(errors.Invalid, fmt.Sprintf("min coverage must be in [0,100], got %v", o.MinCoverage))
	}
	if o.MinIdentity < 0 || o.MinIdentity > 100 {
		return errors.E(errors.Invalid, fmt.Sprintf("min identity must be in [0,100], got %v", o.MinIdentity))
	}
	if o.Threads <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("threads must be positive, got %d", o.Threads))
	}
	return nil
}

// Align runs the external aligner. Its combined output is included in the
// error on failure.
func Align(ctx context.Context, queryPath, dbPath, outPath string, opts AlignerOpts) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	args := opts.Args(queryPath, dbPath, outPath)
	log.Printf("align: %s %v", opts.Binary, args)
	cmd := exec.CommandContext(ctx, opts.Binary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.E(err, fmt.Sprintf("%s failed: %s", opts.Binary, out))
	}
	return nil
}
