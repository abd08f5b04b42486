package wordcount

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
)

// MaxKeyLen bounds a word. Longer words are cut.
const MaxKeyLen = 64

const (
	PlainName = "wordcount"
	ProtoName = "wordcount-proto"
)

func init() {
	mapreduce.Register[*Record](PlainName, PlainOps{})
	mapreduce.Register[*Record](ProtoName, ProtoOps{})
}

// Record is a word and how often it was seen.
type Record struct {
	Key   []byte
	Count uint32
}

// ops holds what the plain and protobuf record operations share; they only
// differ in serialization.
type ops struct{}

func (ops) Create() *Record      { return &Record{Key: make([]byte, 0, 16), Count: 1} }
func (ops) Destroy(r *Record)    { r.Key, r.Count = nil, 0 }
func (ops) Key(r *Record) []byte { return r.Key }
func (ops) Value(r *Record) any  { return r.Count }

func (ops) SetKey(r *Record, key []byte) {
	if len(key) > MaxKeyLen {
		key = key[:MaxKeyLen]
	}
	r.Key = append(r.Key[:0], key...)
}

func (ops) SetValue(r *Record, v any) {
	switch v := v.(type) {
	case uint32:
		r.Count = v
	case int:
		r.Count = uint32(v)
	case uint64:
		r.Count = uint32(v)
	default:
		panic(fmt.Sprintf("wordcount: unsupported value type %T", v))
	}
}

func (ops) SameKey(a, b *Record) bool {
	return bytes.Equal(a.Key, b.Key)
}

func (ops) Merge(dst, src *Record) error {
	dst.Count += src.Count
	return nil
}

// PlainOps serializes a record as a 4 byte little endian count, one byte of
// key length and the key.
type PlainOps struct{ ops }

var _ mapreduce.Operations[*Record] = PlainOps{}

func (PlainOps) SerializedSize(r *Record) int {
	return 5 + len(r.Key)
}

func (o PlainOps) Serialize(r *Record, buf []byte) (int, error) {
	size := o.SerializedSize(r)
	if len(buf) < size {
		return 0, &mapreduce.SerializeError{Op: "serialize", Key: r.Key, Size: len(buf), Err: mapreduce.ErrShortBuffer}
	}

	binary.LittleEndian.PutUint32(buf, r.Count)
	buf[4] = byte(len(r.Key))
	copy(buf[5:], r.Key)

	return size, nil
}

func (PlainOps) Deserialize(r *Record, buf []byte) (int, error) {
	if len(buf) < 5 {
		return 0, &mapreduce.SerializeError{Op: "deserialize", Size: len(buf), Err: mapreduce.ErrCorruptRecord}
	}

	keyLen := int(buf[4])
	if keyLen > MaxKeyLen || len(buf) < 5+keyLen {
		return 0, &mapreduce.SerializeError{Op: "deserialize", Size: len(buf), Err: mapreduce.ErrCorruptRecord}
	}

	r.Count = binary.LittleEndian.Uint32(buf)
	r.Key = append(r.Key[:0], buf[5:5+keyLen]...)

	return 5 + keyLen, nil
}
