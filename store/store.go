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

// Package store implements the consolidated result store: a SQLite database
// in which each logical path such as "/genomes/manifest" names one table.
// Paths are registered in a catalog table so that Paths and Has need not
// inspect the SQLite schema.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"blainsmith.com/go/seahash"
	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	perrors "github.com/pkg/errors"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

const (
	driver       = "sqlite"
	schemaPaths  = `CREATE TABLE IF NOT EXISTS _paths (path TEXT PRIMARY KEY, n_rows INTEGER NOT NULL)`
	schemaMeta   = `CREATE TABLE IF NOT EXISTS _meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`
	nullChecksum = "\x00"
)

// ColumnType is the SQLite storage class of a column.
type ColumnType string

const (
	Text    ColumnType = "TEXT"
	Integer ColumnType = "INTEGER"
	Real    ColumnType = "REAL"
)

// Column describes one column of a table.
type Column struct {
	Name string
	Type ColumnType
}

// Table is an in-memory table. Values must be string, bool, int, int64 or
// float64. NaN floats are stored as NULL.
//
// Read returns TEXT as string, INTEGER as int64 and REAL as float64, with
// NULL REAL values returned as NaN.
type Table struct {
	Columns []Column
	Rows    [][]interface{}
}

// ColumnIndex returns the index of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Store is an open result store.
type Store struct {
	db *sql.DB
	// path is the file the database lives in while open.
	path string
	// out is the publish destination. It is empty for stores opened with Open.
	out string
}

// Create starts a new store that will be published at out. If base is
// nonempty, the new store starts as a copy of the base store, and every table
// of the base store is preserved. The store is built in a staging file in the
// directory of out; it becomes visible at out only after Publish.
func Create(ctx context.Context, out, base string) (*Store, error) {
	staging := filepath.Join(filepath.Dir(out), fmt.Sprintf(".%s.staging-%s", filepath.Base(out), uuid.New().String()))
	if base != "" {
		if err := copyFile(ctx, base, staging); err != nil {
			_ = os.Remove(staging)
			return nil, err
		}
		log.Printf("store: copied base store %s", base)
	}
	s, err := open(ctx, staging)
	if err != nil {
		_ = os.Remove(staging)
		return nil, err
	}
	s.out = out
	return s, nil
}

// Open opens an existing store.
func Open(ctx context.Context, path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.E(err, "open store", path)
	}
	return open(ctx, path)
}

func open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, perrors.Wrapf(err, "open %s", path)
	}
	// A single connection keeps transactions and schema changes serialized.
	db.SetMaxOpenConns(1)
	for _, q := range []string{schemaPaths, schemaMeta} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, perrors.Wrapf(err, "init %s", path)
		}
	}
	return &Store{db: db, path: path}, nil
}

func copyFile(ctx context.Context, src, dst string) (err error) {
	in, err := file.Open(ctx, src)
	if err != nil {
		return errors.E(err, "open base store", src)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	out, err := file.Create(ctx, dst)
	if err != nil {
		return errors.E(err, "create", dst)
	}
	if _, err := io.Copy(out.Writer(ctx), in.Reader(ctx)); err != nil {
		_ = out.Close(ctx)
		return errors.E(err, "copy", src, dst)
	}
	return out.Close(ctx)
}

// Path returns the file currently holding the database.
func (s *Store) Path() string { return s.path }

// Publish closes the store and atomically moves it to its destination.
func (s *Store) Publish() error {
	if s.out == "" {
		return errors.E(errors.Precondition, "publish: store was not created with Create")
	}
	if err := s.db.Close(); err != nil {
		return perrors.Wrapf(err, "close %s", s.path)
	}
	if err := os.Rename(s.path, s.out); err != nil {
		return errors.E(err, "publish", s.out)
	}
	log.Printf("store: published %s", s.out)
	s.path = s.out
	return nil
}

// Discard closes the store and removes the staging file.
func (s *Store) Discard() error {
	once := errors.Once{}
	once.Set(s.db.Close())
	if s.out != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			once.Set(err)
		}
		log.Printf("store: discarded %s", s.path)
	}
	return once.Err()
}

// Close closes a store opened with Open.
func (s *Store) Close() error {
	return s.db.Close()
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func checkPath(path string) error {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "/_") {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid store path %q", path))
	}
	return nil
}

// Write replaces the table at path.
func (s *Store) Write(ctx context.Context, path string, t *Table) error {
	return s.write(ctx, path, t, true)
}

// Append adds rows to the table at path, creating it if needed. The columns
// must match those of the existing table.
func (s *Store) Append(ctx context.Context, path string, t *Table) error {
	return s.write(ctx, path, t, false)
}

func (s *Store) write(ctx context.Context, path string, t *Table, replace bool) (err error) {
	if err := checkPath(path); err != nil {
		return err
	}
	if len(t.Columns) == 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: table has no columns", path))
	}
	exists, err := s.Has(ctx, path)
	if err != nil {
		return err
	}
	if exists && !replace {
		cols, err := s.columns(ctx, path)
		if err != nil {
			return err
		}
		if !sameColumns(cols, t.Columns) {
			return errors.E(errors.Invalid, fmt.Sprintf("%s: append with columns %v, table has %v", path, t.Columns, cols))
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return perrors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	name := quote(path)
	if replace || !exists {
		defs := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			defs[i] = quote(c.Name) + " " + string(c.Type)
		}
		stmts := []string{
			"DROP TABLE IF EXISTS " + name,
			"CREATE TABLE " + name + " (" + strings.Join(defs, ", ") + ")",
		}
		for _, q := range stmts {
			if _, err = tx.ExecContext(ctx, q); err != nil {
				return perrors.Wrapf(err, "%s: %s", path, q)
			}
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ")
	ins, err := tx.PrepareContext(ctx, "INSERT INTO "+name+" VALUES ("+placeholders+")")
	if err != nil {
		return perrors.Wrapf(err, "%s: prepare insert", path)
	}
	defer ins.Close() // nolint: errcheck
	args := make([]interface{}, len(t.Columns))
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			err = errors.E(errors.Invalid, fmt.Sprintf("%s: row %d has %d values, want %d", path, i, len(row), len(t.Columns)))
			return err
		}
		for j, v := range row {
			args[j] = sqlValue(v)
		}
		if _, err = ins.ExecContext(ctx, args...); err != nil {
			return perrors.Wrapf(err, "%s: insert row %d", path, i)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO _paths (path, n_rows) VALUES (?, (SELECT COUNT(*) FROM `+name+`))
		 ON CONFLICT(path) DO UPDATE SET n_rows = excluded.n_rows`, path); err != nil {
		return perrors.Wrapf(err, "%s: register", path)
	}
	if err = tx.Commit(); err != nil {
		return perrors.Wrapf(err, "%s: commit", path)
	}
	log.Debug.Printf("store: wrote %d rows to %s", len(t.Rows), path)
	return nil
}

func sqlValue(v interface{}) interface{} {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) {
			return nil
		}
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(x)
	}
	return v
}

func sameColumns(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Store) columns(ctx context.Context, path string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?)", path)
	if err != nil {
		return nil, perrors.Wrapf(err, "%s: table info", path)
	}
	defer rows.Close() // nolint: errcheck
	var cols []Column
	for rows.Next() {
		var c Column
		var typ string
		if err := rows.Scan(&c.Name, &typ); err != nil {
			return nil, perrors.Wrapf(err, "%s: table info", path)
		}
		c.Type = ColumnType(strings.ToUpper(typ))
		cols = append(cols, c)
	}
	return cols, perrors.Wrapf(rows.Err(), "%s: table info", path)
}

// Read reads the table at path.
func (s *Store) Read(ctx context.Context, path string) (*Table, error) {
	exists, err := s.Has(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("store: no table at %s", path))
	}
	cols, err := s.columns(ctx, path)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quote(path)+" ORDER BY rowid")
	if err != nil {
		return nil, perrors.Wrapf(err, "%s: select", path)
	}
	defer rows.Close() // nolint: errcheck
	t := &Table{Columns: cols}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, perrors.Wrapf(err, "%s: scan", path)
		}
		for i, c := range cols {
			vals[i] = goValue(c.Type, vals[i])
		}
		t.Rows = append(t.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, perrors.Wrapf(err, "%s: select", path)
	}
	return t, nil
}

func goValue(typ ColumnType, v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		if typ == Real {
			return math.NaN()
		}
		return nil
	case []byte:
		return string(x)
	case int64:
		if typ == Real {
			return float64(x)
		}
	}
	return v
}

// Has reports whether a table exists at path.
func (s *Store) Has(ctx context.Context, path string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM _paths WHERE path = ?", path).Scan(&n); err != nil {
		return false, perrors.Wrapf(err, "%s: lookup", path)
	}
	return n > 0, nil
}

// Paths lists, in sorted order, the paths that start with prefix.
func (s *Store) Paths(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path FROM _paths WHERE substr(path, 1, length(?1)) = ?1 ORDER BY path", prefix)
	if err != nil {
		return nil, perrors.Wrap(err, "list paths")
	}
	defer rows.Close() // nolint: errcheck
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, perrors.Wrap(err, "list paths")
		}
		paths = append(paths, p)
	}
	return paths, perrors.Wrap(rows.Err(), "list paths")
}

// NumRows returns the number of rows of the table at path.
func (s *Store) NumRows(ctx context.Context, path string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT n_rows FROM _paths WHERE path = ?", path).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, errors.E(errors.NotExist, fmt.Sprintf("store: no table at %s", path))
	}
	return n, perrors.Wrapf(err, "%s: lookup", path)
}

// Index creates an index over the given columns of the table at path.
func (s *Store) Index(ctx context.Context, path string, columns ...string) error {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quote(c)
	}
	q := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote(path+":"+strings.Join(columns, ",")), quote(path), strings.Join(quoted, ", "))
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return perrors.Wrapf(err, "%s: index %v", path, columns)
	}
	return nil
}

// SetMeta sets a store-level metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO _meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return perrors.Wrapf(err, "set meta %s", key)
}

// Meta returns a store-level metadata value.
func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM _meta WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, perrors.Wrapf(err, "meta %s", key)
	}
	return v, true, nil
}

// Checksum computes an order-independent checksum of the table at path: the
// sum of the seahash of every row, plus the hash of the column list. Two
// tables with the same columns and the same multiset of rows have the same
// checksum.
func (s *Store) Checksum(ctx context.Context, path string) (uint64, error) {
	t, err := s.Read(ctx, path)
	if err != nil {
		return 0, err
	}
	return TableChecksum(t), nil
}

// TableChecksum is the checksum of an in-memory table, as computed by
// Checksum.
func TableChecksum(t *Table) uint64 {
	var b []byte
	for _, c := range t.Columns {
		b = append(b, c.Name...)
		b = append(b, 0)
		b = append(b, c.Type...)
		b = append(b, 0)
	}
	sum := seahash.Sum64(b)
	for _, row := range t.Rows {
		b = b[:0]
		for _, v := range row {
			b = appendValue(b, v)
			b = append(b, 0)
		}
		sum += seahash.Sum64(b)
	}
	return sum
}

func appendValue(b []byte, v interface{}) []byte {
	switch x := v.(type) {
	case nil:
		return append(b, nullChecksum...)
	case string:
		return append(b, x...)
	case int64:
		return strconv.AppendInt(b, x, 10)
	case int:
		return strconv.AppendInt(b, int64(x), 10)
	case bool:
		if x {
			return append(b, '1')
		}
		return append(b, '0')
	case float64:
		if math.IsNaN(x) {
			return append(b, nullChecksum...)
		}
		return strconv.AppendFloat(b, x, 'g', -1, 64)
	}
	return fmt.Appendf(b, "%v", v)
}
