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
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
)

// Read reads an alignment shard file: headerless, tab-separated, columns in
// the order of Record. Gzip compression is detected from the magic bytes.
func Read(ctx context.Context, path string) (recs []Record, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open alignments", path)
	}
	once := errors.Once{}
	defer func() {
		once.Set(in.Close(ctx))
		if err == nil {
			err = once.Err()
		}
	}()
	br := bufio.NewReaderSize(in.Reader(ctx), 1<<20)
	var src io.Reader = br
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "gunzip", path)
		}
		defer func() { once.Set(gz.Close()) }()
		src = gz
	}
	r := tsv.NewReader(src)
	for line := 1; ; line++ {
		var rec Record
		if err := r.Read(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d: %v", path, line, err))
		}
		recs = append(recs, rec)
	}
	log.Debug.Printf("%s: read %d alignments", path, len(recs))
	return recs, nil
}

// Write writes recs to path in the format accepted by Read, gzip-compressed.
func Write(ctx context.Context, path string, recs []Record) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	gz := gzip.NewWriter(out.Writer(ctx))
	w := tsv.NewWriter(gz)
	once := errors.Once{}
	for i := range recs {
		r := &recs[i]
		w.WriteString(r.Contig)
		w.WriteString(r.Gene)
		w.WriteString(strconv.FormatFloat(r.PIdent, 'g', -1, 64))
		w.WriteString(strconv.Itoa(r.Length))
		w.WriteString(strconv.Itoa(r.ContigStart))
		w.WriteString(strconv.Itoa(r.ContigEnd))
		w.WriteString(strconv.Itoa(r.ContigLen))
		w.WriteString(strconv.Itoa(r.GeneStart))
		w.WriteString(strconv.Itoa(r.GeneEnd))
		w.WriteString(strconv.Itoa(r.GeneLen))
		if err := w.EndLine(); err != nil {
			once.Set(err)
			break
		}
	}
	once.Set(w.Flush())
	once.Set(gz.Close())
	once.Set(out.Close(ctx))
	if err := once.Err(); err != nil {
		return errors.E(err, "write", path)
	}
	return nil
}
