// Package mrtest provides a summing record type and a property suite shared
// by the aggregation backend tests.
package mrtest

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
)

// Record is a key with a running uint64 sum.
type Record struct {
	Key   []byte
	Count uint64
}

// Ops sums record values. Values passed to SetValue may be any integer type.
type Ops struct{}

var _ mapreduce.Operations[*Record] = Ops{}

func (Ops) Create() *Record      { return &Record{} }
func (Ops) Destroy(r *Record)    { r.Key, r.Count = nil, 0 }
func (Ops) Key(r *Record) []byte { return r.Key }
func (Ops) Value(r *Record) any  { return r.Count }

func (Ops) SetKey(r *Record, key []byte) {
	r.Key = append(r.Key[:0], key...)
}

func (Ops) SetValue(r *Record, v any) {
	switch v := v.(type) {
	case uint64:
		r.Count = v
	case int:
		r.Count = uint64(v)
	case int64:
		r.Count = uint64(v)
	case uint32:
		r.Count = uint64(v)
	default:
		panic(fmt.Sprintf("mrtest: unsupported value type %T", v))
	}
}

func (Ops) SameKey(a, b *Record) bool {
	return bytes.Equal(a.Key, b.Key)
}

func (Ops) Merge(dst, src *Record) error {
	dst.Count += src.Count
	return nil
}

// SerializedSize: 8 byte count, 2 byte key length, key.
func (Ops) SerializedSize(r *Record) int {
	return 10 + len(r.Key)
}

func (o Ops) Serialize(r *Record, buf []byte) (int, error) {
	size := o.SerializedSize(r)
	if len(buf) < size {
		return 0, &mapreduce.SerializeError{Op: "serialize", Key: r.Key, Size: len(buf), Err: mapreduce.ErrShortBuffer}
	}

	binary.LittleEndian.PutUint64(buf, r.Count)
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(r.Key)))
	copy(buf[10:], r.Key)

	return size, nil
}

func (Ops) Deserialize(r *Record, buf []byte) (int, error) {
	if len(buf) < 10 {
		return 0, &mapreduce.SerializeError{Op: "deserialize", Size: len(buf), Err: mapreduce.ErrCorruptRecord}
	}

	keyLen := int(binary.LittleEndian.Uint16(buf[8:]))
	if len(buf) < 10+keyLen {
		return 0, &mapreduce.SerializeError{Op: "deserialize", Size: len(buf), Err: mapreduce.ErrCorruptRecord}
	}

	r.Count = binary.LittleEndian.Uint64(buf)
	r.Key = append(r.Key[:0], buf[10:10+keyLen]...)

	return 10 + keyLen, nil
}
