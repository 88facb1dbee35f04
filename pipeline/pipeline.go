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

// Package pipeline runs the genome association pipeline: it loads the gene
// catalog and association statistics once, annotates and scores every
// alignment shard in parallel, and merges the shard artifacts into the
// result store.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/cagassoc/alignment"
	"github.com/grailbio/cagassoc/annotate"
	"github.com/grailbio/cagassoc/artifact"
	"github.com/grailbio/cagassoc/assoc"
	"github.com/grailbio/cagassoc/catalog"
	"github.com/grailbio/cagassoc/containment"
	"github.com/grailbio/cagassoc/merge"
	"github.com/grailbio/cagassoc/store"
)

// Store metadata keys.
const (
	MetaRunID      = "genomes.run_id"
	MetaFDRMethod  = "genomes.fdr_method"
	MetaAlpha      = "genomes.alpha"
	MetaParameters = "genomes.parameters"
)

// Producers recorded in artifact headers.
const (
	ProducerAnnotate = "annotate"
	ProducerContain  = "contain"
)

// Opts configures a pipeline run.
type Opts struct {
	// Assoc configures the association tables.
	Assoc assoc.Opts
	// Details enables the per-gene detail tables.
	Details bool
	// Parallelism bounds the number of concurrent shard jobs.
	Parallelism int
	// MaxRetries is the number of times a failed shard job is retried.
	MaxRetries int
	// RetryInitial and RetryMax bound the exponential backoff between retries.
	RetryInitial, RetryMax time.Duration
	// WorkDir holds the shard artifacts. If empty, a temporary directory is
	// created and removed after the run.
	WorkDir string
	// Merge configures the merge.
	Merge merge.Opts
}

// DefaultOpts are the default options.
var DefaultOpts = Opts{
	Assoc:        assoc.DefaultOpts,
	Parallelism:  runtime.NumCPU(),
	MaxRetries:   2,
	RetryInitial: time.Second,
	RetryMax:     time.Minute,
	Merge:        merge.DefaultOpts,
}

// Validate checks the options.
func (o Opts) Validate() error {
	if err := o.Assoc.Validate(); err != nil {
		return err
	}
	if o.Parallelism <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("parallelism must be positive, got %d", o.Parallelism))
	}
	if o.MaxRetries < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("max retries must be non-negative, got %d", o.MaxRetries))
	}
	if o.RetryInitial <= 0 || o.RetryMax < o.RetryInitial {
		return errors.E(errors.Invalid, fmt.Sprintf("bad retry backoff %v..%v", o.RetryInitial, o.RetryMax))
	}
	return nil
}

// Inputs names the input and output files of a run.
type Inputs struct {
	// Alignments lists the alignment shards.
	Alignments []string
	// ContigHeaders lists the contig to genome tables.
	ContigHeaders []string
	// GeneStats is the long-format gene statistics table.
	GeneStats string
	// GeneCAGs is the gene to CAG membership table.
	GeneCAGs string
	// Manifest is the optional genome manifest.
	Manifest string
	// BaseStore, if set, is the store that the output extends.
	BaseStore string
	// Output is the path of the result store.
	Output string
}

// Check verifies that every input file exists.
func (in Inputs) Check(ctx context.Context) error {
	if len(in.Alignments) == 0 {
		return errors.E(errors.Invalid, "no alignment shards")
	}
	if len(in.ContigHeaders) == 0 {
		return errors.E(errors.Invalid, "no contig header tables")
	}
	if in.Output == "" {
		return errors.E(errors.Invalid, "no output store")
	}
	paths := []string{in.GeneStats, in.GeneCAGs}
	if in.Manifest != "" {
		paths = append(paths, in.Manifest)
	}
	if in.BaseStore != "" {
		paths = append(paths, in.BaseStore)
	}
	paths = append(paths, in.ContigHeaders...)
	paths = append(paths, in.Alignments...)
	for _, path := range paths {
		if path == "" {
			return errors.E(errors.Invalid, "missing input path")
		}
		if _, err := file.Stat(ctx, path); err != nil {
			return errors.E(err, "input", path)
		}
	}
	return nil
}

// Lookups are the immutable structures shared by all shard jobs.
type Lookups struct {
	Index    *catalog.Index
	Tables   assoc.Tables
	Manifest *catalog.Manifest
}

// Load reads the catalog, the manifest and the association tables.
func Load(ctx context.Context, in Inputs, opts assoc.Opts) (*Lookups, error) {
	idx, err := catalog.Load(ctx, in.GeneCAGs, in.ContigHeaders)
	if err != nil {
		return nil, err
	}
	stats, err := assoc.ReadStats(ctx, in.GeneStats)
	if err != nil {
		return nil, err
	}
	tables, err := assoc.Build(stats, idx, opts)
	if err != nil {
		return nil, err
	}
	l := &Lookups{Index: idx, Tables: tables}
	if in.Manifest != "" {
		if l.Manifest, err = catalog.ReadManifest(ctx, in.Manifest); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// ShardName is the name recorded for the i'th alignment shard.
func ShardName(i int, path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".gz", ".tsv", ".txt"} {
		base = strings.TrimSuffix(base, ext)
	}
	return fmt.Sprintf("%04d-%s", i, base)
}

func readShard(ctx context.Context, name, path string, idx *catalog.Index) (*alignment.Shard, error) {
	recs, err := alignment.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return alignment.NewShard(name, recs, idx)
}

// AnnotateShard annotates one alignment shard with every association table
// and writes the summaries, and optionally the details, to an artifact.
func AnnotateShard(ctx context.Context, name, shardPath, outPath string, l *Lookups, details bool) error {
	shard, err := readShard(ctx, name, shardPath, l.Index)
	if err != nil {
		return err
	}
	w, err := artifact.Create(ctx, outPath, artifact.Header{Shard: name, Producer: ProducerAnnotate})
	if err != nil {
		return err
	}
	for _, res := range annotate.AnnotateAll(shard, l.Tables, details) {
		w.Append(&artifact.Entry{Kind: artifact.KindSummary, Parameter: res.Parameter, Summaries: res.Summaries})
		for _, d := range res.Details {
			w.Append(&artifact.Entry{Kind: artifact.KindDetail, Parameter: res.Parameter, Genome: d.Genome, Genes: d.Rows})
		}
	}
	return w.Close(ctx)
}

// ContainShard scores one alignment shard and writes the containment
// records to an artifact.
func ContainShard(ctx context.Context, name, shardPath, outPath string, l *Lookups) error {
	shard, err := readShard(ctx, name, shardPath, l.Index)
	if err != nil {
		return err
	}
	recs, err := containment.Score(shard, l.Index)
	if err != nil {
		return err
	}
	return artifact.WriteAll(ctx, outPath, artifact.Header{Shard: name, Producer: ProducerContain},
		[]artifact.Entry{{Kind: artifact.KindContainment, Containment: recs}})
}

type job struct {
	name     string
	producer string
	shard    string
	out      string
}

// withRetries runs fn until it succeeds or it has been retried
// opts.MaxRetries times, backing off exponentially between attempts.
func withRetries(ctx context.Context, opts Opts, name string, fn func() error) error {
	backoff := retry.Backoff(opts.RetryInitial, opts.RetryMax, 2)
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		log.Error.Printf("%s: attempt %d failed: %v", name, retries+1, err)
		if retries >= opts.MaxRetries {
			return errors.E(err, fmt.Sprintf("%s: failed after %d attempts", name, retries+1))
		}
		if werr := retry.Wait(ctx, backoff, retries); werr != nil {
			return errors.E(err, fmt.Sprintf("%s: failed after %d attempts", name, retries+1))
		}
	}
}

// Result describes a completed run.
type Result struct {
	RunID  string
	Report merge.Report
}

// Run runs the pipeline. The output store is published only if every shard
// job and the merge succeed.
func Run(ctx context.Context, in Inputs, opts Opts) (res Result, err error) {
	if err = opts.Validate(); err != nil {
		return
	}
	if err = in.Check(ctx); err != nil {
		return
	}
	res.RunID = uuid.New().String()
	log.Printf("pipeline: run %s: %d alignment shards", res.RunID, len(in.Alignments))

	l, err := Load(ctx, in, opts.Assoc)
	if err != nil {
		return
	}
	log.Printf("pipeline: catalog: %d genes in %d CAGs, %d contigs in %d genomes; %d parameters",
		l.Index.NumGenes(), l.Index.NumCAGs(), l.Index.NumContigs(), len(l.Index.Genomes()), len(l.Tables))

	workDir := opts.WorkDir
	if workDir == "" {
		if workDir, err = os.MkdirTemp("", "cag-genomes-"); err != nil {
			return
		}
		defer func() {
			if e := os.RemoveAll(workDir); e != nil {
				log.Error.Printf("pipeline: remove %s: %v", workDir, e)
			}
		}()
	} else if err = os.MkdirAll(workDir, 0755); err != nil {
		return
	}

	jobs := make([]job, 0, 2*len(in.Alignments))
	for i, path := range in.Alignments {
		name := ShardName(i, path)
		for _, producer := range []string{ProducerAnnotate, ProducerContain} {
			jobs = append(jobs, job{
				name:     name,
				producer: producer,
				shard:    path,
				out:      filepath.Join(workDir, name+"."+producer+".rio"),
			})
		}
	}
	start := time.Now()
	err = traverse.Limit(opts.Parallelism).Each(len(jobs), func(i int) error {
		j := jobs[i]
		return withRetries(ctx, opts, j.name+"/"+j.producer, func() error {
			if j.producer == ProducerAnnotate {
				return AnnotateShard(ctx, j.name, j.shard, j.out, l, opts.Details)
			}
			return ContainShard(ctx, j.name, j.shard, j.out, l)
		})
	})
	if err != nil {
		return
	}
	log.Printf("pipeline: %d shard jobs done in %v", len(jobs), time.Since(start))

	st, err := store.Create(ctx, in.Output, in.BaseStore)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			if e := st.Discard(); e != nil {
				log.Error.Printf("pipeline: discard: %v", e)
			}
		}
	}()
	paths := make([]string, len(jobs))
	for i, j := range jobs {
		paths[i] = j.out
	}
	if res.Report, err = merge.Run(ctx, opts.Merge, paths, l.Manifest, st); err != nil {
		return
	}
	meta := [][2]string{
		{MetaRunID, res.RunID},
		{MetaFDRMethod, opts.Assoc.Method},
		{MetaAlpha, strconv.FormatFloat(opts.Assoc.Alpha, 'g', -1, 64)},
		{MetaParameters, strings.Join(l.Tables.Parameters(), ",")},
	}
	for _, kv := range meta {
		if err = st.SetMeta(ctx, kv[0], kv[1]); err != nil {
			return
		}
	}
	err = st.Publish()
	return
}
