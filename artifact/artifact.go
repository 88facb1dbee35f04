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

// Package artifact stores the per-shard outputs of the annotate and contain
// stages in recordio files. Each record is a gob-encoded Entry; the trailer
// holds the entry count and an order-independent checksum of the records.
package artifact

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/cagassoc/annotate"
	"github.com/grailbio/cagassoc/containment"
)

const (
	// <versionHeader, version> is stored in the recordio header.
	versionHeader  = "cagartifact"
	version        = "CAGART_V1"
	shardHeader    = "shard"
	producerHeader = "producer"

	trailerVersion = 1
)

// Kind identifies the payload of an Entry.
type Kind uint8

const (
	// KindSummary entries carry per-genome summaries of one parameter.
	KindSummary Kind = iota + 1
	// KindDetail entries carry the annotated gene rows of one (parameter, genome).
	KindDetail
	// KindContainment entries carry containment records.
	KindContainment
)

func (k Kind) String() string {
	switch k {
	case KindSummary:
		return "summary"
	case KindDetail:
		return "detail"
	case KindContainment:
		return "containment"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Entry is one record of an artifact file.
type Entry struct {
	Kind Kind
	// Parameter is set for summary and detail entries.
	Parameter string
	// Genome is set for detail entries.
	Genome      string
	Summaries   []annotate.Summary
	Genes       []annotate.GeneRow
	Containment []containment.Record
}

// Header describes the producer of an artifact file.
type Header struct {
	// Shard is the name of the alignment shard the artifact was computed from.
	Shard string
	// Producer is the stage that wrote the artifact, e.g. "annotate".
	Producer string
}

// Writer writes an artifact file.
type Writer struct {
	out file.File
	w   recordio.Writer
	n   int64
	sum uint64
	err errors.Once
}

// Create opens an artifact file for writing.
func Create(ctx context.Context, path string, h Header) (*Writer, error) {
	recordiozstd.Init()
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "create artifact", path)
	}
	w := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(versionHeader, version)
	w.AddHeader(shardHeader, h.Shard)
	w.AddHeader(producerHeader, h.Producer)
	w.AddHeader(recordio.KeyTrailer, true)
	return &Writer{out: out, w: w}, nil
}

// Append adds an entry.
func (w *Writer) Append(e *Entry) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(e); err != nil {
		w.err.Set(errors.E(err, "encode", e.Kind.String()))
		return
	}
	w.sum += seahash.Sum64(b.Bytes())
	w.n++
	w.w.Append(b.Bytes())
}

// Close writes the trailer and closes the file. It must be called exactly
// once.
func (w *Writer) Close(ctx context.Context) error {
	w.w.SetTrailer(encodeTrailer(w.n, w.sum))
	w.err.Set(w.w.Finish())
	w.err.Set(w.out.Close(ctx))
	if err := w.err.Err(); err != nil {
		return errors.E(err, "write artifact", w.out.Name())
	}
	return nil
}

func encodeTrailer(n int64, sum uint64) []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, int64(trailerVersion))
	_ = binary.Write(&b, binary.LittleEndian, n)
	_ = binary.Write(&b, binary.LittleEndian, sum)
	return b.Bytes()
}

func decodeTrailer(trailer []byte) (n int64, sum uint64, err error) {
	r := bytes.NewReader(trailer)
	var v int64
	if err = binary.Read(r, binary.LittleEndian, &v); err != nil {
		return
	}
	if v != trailerVersion {
		err = fmt.Errorf("unrecognized trailer version: got %d, want %d", v, trailerVersion)
		return
	}
	if err = binary.Read(r, binary.LittleEndian, &n); err != nil {
		return
	}
	err = binary.Read(r, binary.LittleEndian, &sum)
	return
}

// Reader reads an artifact file written by Writer.
type Reader struct {
	path    string
	in      file.File
	r       recordio.Scanner
	header  Header
	want    int64
	wantSum uint64
	n       int64
	sum     uint64
	e       Entry
	err     error
}

// Open opens an artifact file and validates its header and trailer.
func Open(ctx context.Context, path string) (*Reader, error) {
	recordiozstd.Init()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open artifact", path)
	}
	r := &Reader{path: path, in: in, r: recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})}
	if err := r.init(); err != nil {
		_ = r.r.Finish()
		_ = in.Close(ctx)
		return nil, err
	}
	return r, nil
}

func (r *Reader) init() error {
	if err := r.r.Err(); err != nil {
		return errors.E(errors.Integrity, err, r.path)
	}
	versionFound := false
	for _, kv := range r.r.Header() {
		switch kv.Key {
		case versionHeader:
			if v, _ := kv.Value.(string); v != version {
				return errors.E(errors.Integrity, fmt.Sprintf("%s: artifact version mismatch, got %v, expect %v", r.path, kv.Value, version))
			}
			versionFound = true
		case shardHeader:
			r.header.Shard, _ = kv.Value.(string)
		case producerHeader:
			r.header.Producer, _ = kv.Value.(string)
		}
	}
	if !versionFound {
		return errors.E(errors.Integrity, fmt.Sprintf("%s: %s header not found", r.path, versionHeader))
	}
	var err error
	if r.want, r.wantSum, err = decodeTrailer(r.r.Trailer()); err != nil {
		return errors.E(errors.Integrity, err, r.path, "trailer")
	}
	return nil
}

// Header returns the header of the file.
func (r *Reader) Header() Header { return r.header }

// Scan reads the next entry. It returns false at the end of the file or on
// error.
func (r *Reader) Scan() bool {
	if r.err != nil || !r.r.Scan() {
		return false
	}
	b := r.r.Get().([]byte)
	r.sum += seahash.Sum64(b)
	r.n++
	r.e = Entry{}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r.e); err != nil {
		r.err = errors.E(errors.Integrity, err, r.path, fmt.Sprintf("entry %d", r.n))
		return false
	}
	return true
}

// Entry yields the current entry.
//
// REQUIRES: Last Scan call returned true.
func (r *Reader) Entry() *Entry { return &r.e }

// Close closes the reader. When every entry has been scanned, it verifies the
// entry count and checksum recorded in the trailer.
func (r *Reader) Close(ctx context.Context) error {
	once := errors.Once{}
	once.Set(r.err)
	if err := r.r.Err(); err != nil {
		once.Set(errors.E(errors.Integrity, err, r.path))
	}
	if r.err == nil && r.r.Err() == nil && !r.r.Scan() {
		if r.n != r.want || r.sum != r.wantSum {
			once.Set(errors.E(errors.Integrity, fmt.Sprintf(
				"%s: checksum mismatch: read %d entries (sum %x), trailer says %d (sum %x)",
				r.path, r.n, r.sum, r.want, r.wantSum)))
		}
	}
	once.Set(r.r.Finish())
	once.Set(r.in.Close(ctx))
	return once.Err()
}

// ReadAll reads every entry of an artifact file.
func ReadAll(ctx context.Context, path string) (Header, []Entry, error) {
	r, err := Open(ctx, path)
	if err != nil {
		return Header{}, nil, err
	}
	var entries []Entry
	for r.Scan() {
		entries = append(entries, *r.Entry())
	}
	err = r.Close(ctx)
	return r.Header(), entries, err
}

// WriteAll writes entries to a new artifact file.
func WriteAll(ctx context.Context, path string, h Header, entries []Entry) error {
	w, err := Create(ctx, path, h)
	if err != nil {
		return err
	}
	for i := range entries {
		w.Append(&entries[i])
	}
	return w.Close(ctx)
}
