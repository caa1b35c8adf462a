package scd

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"slices"
	"time"
)

// DigestSize is the length in bytes of a Digest.
const DigestSize = sha256.Size

// Digest is a structural hash over a subset of a row's columns.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes the hex form produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("failed to decode digest %q: %w", s, err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("invalid digest length %d, expected %d", len(b), DigestSize)
	}
	copy(d[:], b)
	return d, nil
}

// Value type tags of the canonical encoding.
const (
	tagNull   byte = 'n'
	tagBool   byte = 'b'
	tagInt    byte = 'i'
	tagUint   byte = 'u'
	tagFloat  byte = 'f'
	tagString byte = 's'
	tagBytes  byte = 'x'
	tagTime   byte = 't'
	tagOther  byte = '?'
)

// DigestRow hashes the given columns of row. Columns are encoded sorted by name
// as (name, type tag, value) triples, so the result does not depend on the
// order of columns. A missing column hashes the same as an explicit null.
func DigestRow(row Row, columns []string) Digest {
	return sha256.Sum256(encodeColumns(row, columns))
}

// EncodeKey returns the canonical encoding of the business-key columns of row,
// usable as a map key.
func EncodeKey(row Row, columns []string) string {
	return string(encodeColumns(row, columns))
}

func encodeColumns(row Row, columns []string) []byte {
	sorted := slices.Clone(columns)
	slices.Sort(sorted)

	var buf bytes.Buffer
	for _, col := range sorted {
		writeBytes(&buf, []byte(col))
		encodeValue(&buf, row[col])
	}
	return buf.Bytes()
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func encodeValue(buf *bytes.Buffer, v any) {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(tagNull)
	case bool:
		buf.WriteByte(tagBool)
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case string:
		buf.WriteByte(tagString)
		writeBytes(buf, []byte(x))
	case []byte:
		if x == nil {
			buf.WriteByte(tagNull)
			return
		}
		buf.WriteByte(tagBytes)
		writeBytes(buf, x)
	case time.Time:
		// Stores keep microsecond precision.
		buf.WriteByte(tagTime)
		writeUint64(buf, uint64(x.UTC().Truncate(time.Microsecond).UnixMicro()))
	case *time.Time:
		if x == nil {
			buf.WriteByte(tagNull)
			return
		}
		encodeValue(buf, *x)
	default:
		encodeReflect(buf, v)
	}
}

// encodeReflect covers the remaining numeric kinds, named types and pointers.
// Integers of every width share one tag so that values read back from a store
// with a narrower column type join with the int64 values of a source batch.
func encodeReflect(buf *bytes.Buffer, v any) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteByte(tagNull)
			return
		}
		encodeValue(buf, rv.Elem().Interface())
	case reflect.Bool:
		encodeValue(buf, rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteByte(tagInt)
		writeUint64(buf, uint64(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u <= math.MaxInt64 {
			buf.WriteByte(tagInt)
		} else {
			buf.WriteByte(tagUint)
		}
		writeUint64(buf, u)
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == 0 {
			// -0 and +0 compare equal.
			f = 0
		}
		buf.WriteByte(tagFloat)
		writeUint64(buf, math.Float64bits(f))
	case reflect.String:
		encodeValue(buf, rv.String())
	default:
		buf.WriteByte(tagOther)
		writeBytes(buf, []byte(fmt.Sprintf("%T:%v", v, v)))
	}
}
