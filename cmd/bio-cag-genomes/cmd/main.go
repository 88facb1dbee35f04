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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cagassoc/alignment"
	"github.com/grailbio/cagassoc/assoc"
	"github.com/grailbio/cagassoc/catalog"
	"github.com/grailbio/cagassoc/merge"
	"github.com/grailbio/cagassoc/pipeline"
	"github.com/grailbio/cagassoc/store"
	"v.io/x/lib/cmdline"
)

// splitList splits a comma-separated flag value.
func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// catalogFlags are the flags that locate the gene catalog.
type catalogFlags struct {
	geneCAGs      *string
	contigHeaders *string
}

func addCatalogFlags(fs *flag.FlagSet) catalogFlags {
	return catalogFlags{
		geneCAGs:      fs.String("gene-cags", "", "Gene to CAG membership table, with columns CAG and gene"),
		contigHeaders: fs.String("contig-headers", "", "Comma-separated list of contig to genome tables, with columns contig and genome"),
	}
}

// assocFlags are the flags that configure the association tables.
type assocFlags struct {
	geneStats *string
	method    *string
	alpha     *float64
	prefix    *string
}

func addAssocFlags(fs *flag.FlagSet) assocFlags {
	return assocFlags{
		geneStats: fs.String("gene-stats", "", "Long-format gene statistics table, with columns CAG, parameter, type and value"),
		method:    fs.String("fdr-method", assoc.DefaultOpts.Method, fmt.Sprintf("Multiple-testing correction, one of %v", assoc.Methods)),
		alpha:     fs.Float64("alpha", assoc.DefaultOpts.Alpha, "False discovery rate threshold"),
		prefix:    fs.String("parameter-prefix", assoc.DefaultOpts.ParameterPrefix, "Prefix of the tested parameters in the statistics table"),
	}
}

func (f assocFlags) opts() assoc.Opts {
	opts := assoc.DefaultOpts
	opts.Method = *f.method
	opts.Alpha = *f.alpha
	opts.ParameterPrefix = *f.prefix
	return opts
}

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "run",
		Short:    "Annotate, score and merge a set of alignment shards into a result store",
		ArgsName: "alignment-shard...",
	}
	cf := addCatalogFlags(&cmd.Flags)
	af := addAssocFlags(&cmd.Flags)
	opts := pipeline.DefaultOpts
	manifest := cmd.Flags.String("manifest", "", "Optional genome manifest, with an id column")
	base := cmd.Flags.String("base-store", "", "If set, the output store extends this store")
	out := cmd.Flags.String("out", "", "Output result store")
	cmd.Flags.BoolVar(&opts.Details, "details", false, "Write per-gene detail tables")
	cmd.Flags.IntVar(&opts.Parallelism, "parallelism", opts.Parallelism, "Maximum number of concurrent shard jobs")
	cmd.Flags.IntVar(&opts.MaxRetries, "max-retries", opts.MaxRetries, "Number of times a failed shard job is retried")
	cmd.Flags.DurationVar(&opts.RetryInitial, "retry-initial", opts.RetryInitial, "Initial backoff between retries")
	cmd.Flags.DurationVar(&opts.RetryMax, "retry-max", opts.RetryMax, "Maximum backoff between retries")
	cmd.Flags.StringVar(&opts.WorkDir, "work-dir", "", "Directory for shard artifacts. By default a temporary directory is used")
	cmd.Flags.BoolVar(&opts.Merge.Strict, "strict", false, "Fail when a genome's results come from more than one shard")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) == 0 {
			return fmt.Errorf("run takes one or more alignment shards")
		}
		opts.Assoc = af.opts()
		res, err := pipeline.Run(context.Background(), pipeline.Inputs{
			Alignments:    argv,
			ContigHeaders: splitList(*cf.contigHeaders),
			GeneStats:     *af.geneStats,
			GeneCAGs:      *cf.geneCAGs,
			Manifest:      *manifest,
			BaseStore:     *base,
			Output:        *out,
		}, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "run %s: %d shards, %d containment rows, %d detail tables, %d ambiguities\n",
			res.RunID, len(res.Report.Shards), res.Report.Containment, res.Report.Details, len(res.Report.Ambiguities))
		return nil
	})
	return cmd
}

func newCmdPartition() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "partition",
		Short: `Repartition alignments so that all alignments of a genome are in one shard.
Shard i is written to <prefix>-<i>.tsv.gz.`,
		ArgsName: "alignment-file...",
	}
	cf := addCatalogFlags(&cmd.Flags)
	n := cmd.Flags.Int("n", 16, "Number of output shards")
	prefix := cmd.Flags.String("prefix", "", "Output path prefix")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) == 0 || *prefix == "" {
			return fmt.Errorf("partition takes -prefix and one or more alignment files")
		}
		ctx := context.Background()
		idx := catalog.NewIndex()
		for _, path := range splitList(*cf.contigHeaders) {
			if err := idx.ReadContigHeaders(ctx, path); err != nil {
				return err
			}
		}
		var recs []alignment.Record
		for _, path := range argv {
			r, err := alignment.Read(ctx, path)
			if err != nil {
				return err
			}
			recs = append(recs, r...)
		}
		parts, err := alignment.Partition(recs, idx, *n)
		if err != nil {
			return err
		}
		for i, part := range parts {
			path := fmt.Sprintf("%s-%04d.tsv.gz", *prefix, i)
			if err := alignment.Write(ctx, path, part); err != nil {
				return err
			}
			fmt.Fprintf(env.Stdout, "%s\t%d\n", path, len(part))
		}
		return nil
	})
	return cmd
}

func newCmdAnnotate() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "annotate",
		Short:    "Annotate one alignment shard with association statistics",
		ArgsName: "alignment-shard artifact",
	}
	cf := addCatalogFlags(&cmd.Flags)
	af := addAssocFlags(&cmd.Flags)
	details := cmd.Flags.Bool("details", false, "Include per-gene detail entries")
	name := cmd.Flags.String("shard-name", "", "Shard name recorded in the artifact. Defaults to the shard file name")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("annotate takes alignment-shard artifact, but got %v", argv)
		}
		ctx := context.Background()
		l, err := pipeline.Load(ctx, pipeline.Inputs{
			ContigHeaders: splitList(*cf.contigHeaders),
			GeneCAGs:      *cf.geneCAGs,
			GeneStats:     *af.geneStats,
		}, af.opts())
		if err != nil {
			return err
		}
		return pipeline.AnnotateShard(ctx, shardName(*name, argv[0]), argv[0], argv[1], l, *details)
	})
	return cmd
}

func newCmdContain() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "contain",
		Short:    "Compute genome x CAG containment for one alignment shard",
		ArgsName: "alignment-shard artifact",
	}
	cf := addCatalogFlags(&cmd.Flags)
	name := cmd.Flags.String("shard-name", "", "Shard name recorded in the artifact. Defaults to the shard file name")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("contain takes alignment-shard artifact, but got %v", argv)
		}
		ctx := context.Background()
		idx, err := catalog.Load(ctx, *cf.geneCAGs, splitList(*cf.contigHeaders))
		if err != nil {
			return err
		}
		return pipeline.ContainShard(ctx, shardName(*name, argv[0]), argv[0], argv[1], &pipeline.Lookups{Index: idx})
	})
	return cmd
}

func shardName(name, path string) string {
	if name != "" {
		return name
	}
	return filepath.Base(path)
}

func newCmdMerge() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "merge",
		Short:    "Merge shard artifacts into a result store",
		ArgsName: "artifact...",
	}
	manifest := cmd.Flags.String("manifest", "", "Optional genome manifest, with an id column")
	base := cmd.Flags.String("base-store", "", "If set, the output store extends this store")
	out := cmd.Flags.String("out", "", "Output result store")
	strict := cmd.Flags.Bool("strict", false, "Fail when a genome's results come from more than one shard")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) (err error) {
		if len(argv) == 0 || *out == "" {
			return fmt.Errorf("merge takes -out and one or more artifacts")
		}
		ctx := context.Background()
		var m *catalog.Manifest
		if *manifest != "" {
			if m, err = catalog.ReadManifest(ctx, *manifest); err != nil {
				return err
			}
		}
		st, err := store.Create(ctx, *out, *base)
		if err != nil {
			return err
		}
		rep, err := merge.Run(ctx, merge.Opts{Strict: *strict}, argv, m, st)
		if err != nil {
			if e := st.Discard(); e != nil {
				log.Error.Printf("discard: %v", e)
			}
			return err
		}
		for _, a := range rep.Ambiguities {
			fmt.Fprintln(env.Stdout, a.String())
		}
		return st.Publish()
	})
	return cmd
}

func newCmdExport() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "export",
		Short: `Export a table of a result store as TSV.
The output is gzipped if its name ends in .gz. Missing values are written as NA.`,
		ArgsName: "store table-path out",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 3 {
			return fmt.Errorf("export takes store table-path out, but got %v", argv)
		}
		return exportTable(context.Background(), argv[0], argv[1], argv[2])
	})
	return cmd
}

func newCmdChecksum() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "checksum",
		Short: `Print an order-independent checksum of every table under a path prefix.
Stores computed from differently sharded inputs have equal checksums.`,
		ArgsName: "store",
	}
	prefix := cmd.Flags.String("prefix", "/genomes/", "Path prefix of the tables to checksum")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("checksum takes a store path, but got %v", argv)
		}
		return printChecksums(context.Background(), env.Stdout, argv[0], *prefix)
	})
	return cmd
}

func newCmdAlign() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "align",
		Short:    "Align genome contigs against a protein database of catalog genes",
		ArgsName: "query-fasta db out",
	}
	opts := alignment.DefaultAlignerOpts
	cmd.Flags.StringVar(&opts.Binary, "binary", opts.Binary, "Aligner executable")
	cmd.Flags.Float64Var(&opts.MinCoverage, "min-coverage", opts.MinCoverage, "Minimum percent of the gene covered by an alignment")
	cmd.Flags.Float64Var(&opts.MinIdentity, "min-identity", opts.MinIdentity, "Minimum percent identity of an alignment")
	cmd.Flags.IntVar(&opts.Threads, "threads", opts.Threads, "Aligner threads")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 3 {
			return fmt.Errorf("align takes query-fasta db out, but got %v", argv)
		}
		return alignment.Align(context.Background(), argv[0], argv[1], argv[2], opts)
	})
	return cmd
}

// Run runs the command named by the command line.
func Run() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(
		&cmdline.Command{
			Name:     "bio-cag-genomes",
			Short:    "Associate reference genomes with co-abundance gene groups",
			LookPath: false,
			Children: []*cmdline.Command{
				newCmdRun(),
				newCmdPartition(),
				newCmdAnnotate(),
				newCmdContain(),
				newCmdMerge(),
				newCmdExport(),
				newCmdChecksum(),
				newCmdAlign(),
			},
		})
}
