// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/pbinitiative/zenrepo/internal/log"
	"github.com/rqlite/rqlite/v8/command/proto"
)

// ErrNoRows is returned by Row.Scan when the query produced nothing and no other error was recorded.
var ErrNoRows = errors.New("no result row")

// Rows iterates over a single rqlite query result.
type Rows struct {
	ctx     context.Context
	columns []string
	values  []*proto.Values
	current int // -1 until Next is called
}

// Row is one row of a query result or the error that prevented reading it.
type Row struct {
	ctx     context.Context
	columns []string
	values  *proto.Values
	err     error
}

func NewRows(ctx context.Context, columns []string, values []*proto.Values) *Rows {
	return &Rows{
		ctx:     ctx,
		columns: columns,
		values:  values,
		current: -1,
	}
}

// ErrRow returns a row whose Scan fails with err.
func ErrRow(ctx context.Context, err error) *Row {
	return &Row{ctx: ctx, err: err}
}

// Next advances to the next row, it has to be called before the first Scan.
//
//	for rows.Next() {
//	    err := rows.Scan(&a, &b)
//	}
func (r *Rows) Next() bool {
	if r.current+1 >= len(r.values) {
		return false
	}
	r.current++
	return true
}

// Row returns the row Next last moved to.
func (r *Rows) Row() *Row {
	if r.current < 0 || r.current >= len(r.values) {
		return ErrRow(r.ctx, ErrNoRows)
	}
	return &Row{ctx: r.ctx, columns: r.columns, values: r.values[r.current]}
}

func (r *Rows) Scan(dest ...any) error {
	if r.current < 0 {
		return errors.New("Scan called before Next")
	}
	return r.Row().Scan(dest...)
}

func (r *Rows) Close() error {
	return nil
}

// Err is always nil, query errors are returned by QueryContext already
func (r *Rows) Err() error {
	return nil
}

func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.values == nil {
		return ErrNoRows
	}
	return scanValues(r.ctx, r.columns, r.values.Parameters, dest)
}

func scanValues(ctx context.Context, columns []string, params []*proto.Parameter, dest []any) error {
	if len(dest) != len(columns) {
		return fmt.Errorf("expected %d columns but got %d vars", len(columns), len(dest))
	}
	for n, d := range dest {
		var v any
		if n < len(params) {
			v = parameterValue(params[n])
		}
		if v == nil {
			if s, ok := d.(sql.Scanner); ok {
				if err := s.Scan(nil); err != nil {
					return fmt.Errorf("col %d (%s): %w", n, columns[n], err)
				}
				continue
			}
			log.Debugf(ctx, "skipping NULL scan data for variable #%d (%s)", n, columns[n])
			continue
		}
		if err := assign(d, v); err != nil {
			return fmt.Errorf("col %d (%s): %w", n, columns[n], err)
		}
	}
	return nil
}

// parameterValue unwraps an rqlite value into int64, float64, bool, string, []byte or nil.
func parameterValue(p *proto.Parameter) any {
	switch x := p.GetValue().(type) {
	case *proto.Parameter_I:
		return x.I
	case *proto.Parameter_D:
		return x.D
	case *proto.Parameter_B:
		return x.B
	case *proto.Parameter_S:
		return x.S
	case *proto.Parameter_Y:
		return x.Y
	}
	return nil
}

// assign stores v into dest. Named types are matched by their underlying kind so
// columns can be scanned directly into enum fields such as a suspension state.
func assign(dest any, v any) error {
	switch d := dest.(type) {
	case sql.Scanner:
		return d.Scan(v)
	case *time.Time:
		t, err := toTime(v)
		if err != nil {
			return err
		}
		*d = t
		return nil
	case *[]byte:
		switch x := v.(type) {
		case []byte:
			*d = x
		case string:
			*d = []byte(x)
		default:
			return fmt.Errorf("cannot scan %T into []byte", v)
		}
		return nil
	}

	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("destination %T is not a non-nil pointer", dest)
	}
	target := rv.Elem()
	switch target.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := toInt64(v)
		if err != nil {
			return err
		}
		if target.OverflowInt(i) {
			return fmt.Errorf("value %d overflows %s", i, target.Type())
		}
		target.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		target.SetFloat(f)
	case reflect.String:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("cannot scan %T into %s", v, target.Type())
		}
		target.SetString(s)
	case reflect.Bool:
		// rqlite stores booleans as integers
		b, err := strconv.ParseBool(fmt.Sprint(v))
		if err != nil {
			return err
		}
		target.SetBool(b)
	default:
		return fmt.Errorf("unsupported destination type %T", dest)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("cannot scan %T into an integer", v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("cannot scan %T into a float", v)
}

// toTime reads timestamps stored as unix nanoseconds or as text
func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		const layout = "2006-01-02 15:04:05"
		if t, err := time.Parse(layout, x); err == nil {
			return t, nil
		}
		return time.Parse(time.RFC3339Nano, x)
	case float64:
		return time.Unix(0, int64(x)), nil
	case int64:
		return time.Unix(0, x), nil
	}
	return time.Time{}, fmt.Errorf("cannot scan %T into time", v)
}
