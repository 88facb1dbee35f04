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
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/cagassoc/store"
	"github.com/klauspost/compress/gzip"
)

// exportTable writes the table at tablePath of the store to outPath as TSV
// with a header line.
func exportTable(ctx context.Context, storePath, tablePath, outPath string) error {
	st, err := store.Open(ctx, storePath)
	if err != nil {
		return err
	}
	defer st.Close() // nolint: errcheck
	t, err := st.Read(ctx, tablePath)
	if err != nil {
		return err
	}
	out, err := file.Create(ctx, outPath)
	if err != nil {
		return errors.E(err, "create", outPath)
	}
	once := errors.Once{}
	var (
		w  io.Writer = out.Writer(ctx)
		gz *gzip.Writer
	)
	if strings.HasSuffix(outPath, ".gz") {
		gz = gzip.NewWriter(w)
		w = gz
	}
	once.Set(writeTSV(w, t))
	if gz != nil {
		once.Set(gz.Close())
	}
	once.Set(out.Close(ctx))
	return once.Err()
}

func writeTSV(out io.Writer, t *store.Table) error {
	w := tsv.NewWriter(out)
	for _, c := range t.Columns {
		w.WriteString(c.Name)
	}
	if err := w.EndLine(); err != nil {
		return err
	}
	for _, row := range t.Rows {
		for _, v := range row {
			w.WriteString(formatValue(v))
		}
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NA"
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if math.IsNaN(x) {
			return "NA"
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

// printChecksums prints the path, row count and checksum of every table under
// prefix.
func printChecksums(ctx context.Context, out io.Writer, storePath, prefix string) error {
	st, err := store.Open(ctx, storePath)
	if err != nil {
		return err
	}
	defer st.Close() // nolint: errcheck
	paths, err := st.Paths(ctx, prefix)
	if err != nil {
		return err
	}
	for _, p := range paths {
		n, err := st.NumRows(ctx, p)
		if err != nil {
			return err
		}
		sum, err := st.Checksum(ctx, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%d\t%016x\n", p, n, sum)
	}
	return nil
}
