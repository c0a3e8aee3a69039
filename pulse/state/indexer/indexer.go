// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package indexer holds memdb index building blocks for types the
// library does not cover, most importantly time.Time fields.
package indexer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"time"
)

// IndexBuilder composes the byte form of simple and compound index
// keys. Encodings preserve sort order so range scans over the index
// match range scans over the values.
type IndexBuilder struct {
	buf bytes.Buffer
}

func (b *IndexBuilder) Bytes() []byte {
	return b.buf.Bytes()
}

// String writes a null-terminated string component.
func (b *IndexBuilder) String(s string) {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
}

// Time writes a time component ordered by instant. Seconds are
// sign-flipped so instants before the epoch still sort first.
func (b *IndexBuilder) Time(t time.Time) {
	var scratch [12]byte
	binary.BigEndian.PutUint64(scratch[0:8], uint64(t.Unix())^(1<<63))
	binary.BigEndian.PutUint32(scratch[8:12], uint32(t.Nanosecond()))
	b.buf.Write(scratch[:])
}

// Uint64 writes a big-endian integer component.
func (b *IndexBuilder) Uint64(v uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	b.buf.Write(scratch[:])
}

// Bool writes a single-byte component.
func (b *IndexBuilder) Bool(v bool) {
	if v {
		b.buf.WriteByte(1)
	} else {
		b.buf.WriteByte(0)
	}
}

// TimeQuery can be used as a memdb query argument for time-indexed
// lookups.
type TimeQuery struct {
	Value time.Time
}

// IndexFromTimeQuery can be used as a memdb.Indexer query via ReadIndex
// and allows querying by time.
func IndexFromTimeQuery(arg any) ([]byte, error) {
	p, ok := arg.(*TimeQuery)
	if !ok {
		return nil, fmt.Errorf("unexpected type %T for TimeQuery index", arg)
	}

	var b IndexBuilder
	b.Time(p.Value)
	return b.Bytes(), nil
}

// TimeFieldIndex indexes a time.Time struct field. Zero times are
// reported missing unless AllowZero is set, which lets rows with a
// null instant drop out of the index entirely.
type TimeFieldIndex struct {
	Field     string
	AllowZero bool
}

func (x *TimeFieldIndex) FromObject(obj any) (bool, []byte, error) {
	v := reflect.Indirect(reflect.ValueOf(obj))
	fv := v.FieldByName(x.Field)
	if !fv.IsValid() {
		return false, nil, fmt.Errorf("field %q is invalid for %T", x.Field, obj)
	}
	t, ok := fv.Interface().(time.Time)
	if !ok {
		return false, nil, fmt.Errorf("field %q on %T is not a time.Time", x.Field, obj)
	}
	if t.IsZero() && !x.AllowZero {
		return false, nil, nil
	}
	var b IndexBuilder
	b.Time(t)
	return true, b.Bytes(), nil
}

func (x *TimeFieldIndex) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	switch arg := args[0].(type) {
	case time.Time:
		var b IndexBuilder
		b.Time(arg)
		return b.Bytes(), nil
	case *TimeQuery:
		return IndexFromTimeQuery(arg)
	default:
		return nil, fmt.Errorf("unexpected type %T for time index argument", args[0])
	}
}
