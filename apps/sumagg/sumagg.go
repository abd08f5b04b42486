// Package sumagg sums decimal amounts per key. Input lines look like
// "key,amount"; the amount follows the last comma.
package sumagg

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/shopspring/decimal"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
)

const Name = "sumagg"

func init() {
	mapreduce.Register[*Record](Name, Ops{})
}

type Record struct {
	Key []byte
	Sum decimal.Decimal
}

type Ops struct{}

var _ mapreduce.Operations[*Record] = Ops{}

func (Ops) Create() *Record      { return &Record{} }
func (Ops) Destroy(r *Record)    { r.Key, r.Sum = nil, decimal.Zero }
func (Ops) Key(r *Record) []byte { return r.Key }
func (Ops) Value(r *Record) any  { return r.Sum }

func (Ops) SetKey(r *Record, key []byte) {
	r.Key = append(r.Key[:0], key...)
}

func (Ops) SetValue(r *Record, v any) {
	switch v := v.(type) {
	case decimal.Decimal:
		r.Sum = v
	case int:
		r.Sum = decimal.NewFromInt(int64(v))
	default:
		panic(fmt.Sprintf("sumagg: unsupported value type %T", v))
	}
}

func (Ops) SameKey(a, b *Record) bool {
	return bytes.Equal(a.Key, b.Key)
}

func (Ops) Merge(dst, src *Record) error {
	dst.Sum = dst.Sum.Add(src.Sum)
	return nil
}

// A serialized record is a 2 byte key length, the key, a 2 byte amount
// length and the amount in decimal's binary form.
func (Ops) SerializedSize(r *Record) int {
	amount, _ := r.Sum.MarshalBinary()
	return 4 + len(r.Key) + len(amount)
}

func (Ops) Serialize(r *Record, buf []byte) (int, error) {
	amount, err := r.Sum.MarshalBinary()
	if err != nil {
		return 0, &mapreduce.SerializeError{Op: "serialize", Key: r.Key, Size: len(buf), Err: err}
	}
	if len(r.Key) > math.MaxUint16 {
		return 0, &mapreduce.SerializeError{Op: "serialize", Key: r.Key, Size: len(buf), Err: mapreduce.ErrKeyTooLong}
	}

	size := 4 + len(r.Key) + len(amount)
	if len(buf) < size {
		return 0, &mapreduce.SerializeError{Op: "serialize", Key: r.Key, Size: len(buf), Err: mapreduce.ErrShortBuffer}
	}

	binary.LittleEndian.PutUint16(buf, uint16(len(r.Key)))
	off := 2 + copy(buf[2:], r.Key)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(amount)))
	off += 2 + copy(buf[off+2:], amount)

	return off, nil
}

func (Ops) Deserialize(r *Record, buf []byte) (int, error) {
	corrupt := &mapreduce.SerializeError{Op: "deserialize", Size: len(buf), Err: mapreduce.ErrCorruptRecord}

	if len(buf) < 2 {
		return 0, corrupt
	}
	keyLen := int(binary.LittleEndian.Uint16(buf))
	if len(buf) < 4+keyLen {
		return 0, corrupt
	}
	key := buf[2 : 2+keyLen]

	off := 2 + keyLen
	amountLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+amountLen {
		return 0, corrupt
	}
	if err := r.Sum.UnmarshalBinary(buf[off : off+amountLen]); err != nil {
		corrupt.Err = fmt.Errorf("%w: %w", mapreduce.ErrCorruptRecord, err)
		return 0, corrupt
	}
	r.Key = append(r.Key[:0], key...)

	return off + amountLen, nil
}

// Job sums the amounts of the lines in the splits returned by split.
func Job(split mapreduce.SplitFunc) mapreduce.Job[*Record] {
	return mapreduce.Job[*Record]{
		Split: split,
		Map:   Map,
		Less:  Larger,
	}
}

// Map emits (key, amount) for every non-empty line.
func Map(ctx context.Context, split mapreduce.Split, emit mapreduce.Emitter) error {
	data := split.Data
	for lineNo := 1; len(data) > 0; lineNo++ {
		line, rest, _ := bytes.Cut(data, []byte{'\n'})
		data = rest

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		// keys may contain commas, amounts never do
		i := bytes.LastIndexByte(line, ',')
		if i < 0 {
			return fmt.Errorf("split %d line %d: missing ',' in %q", split.ID, lineNo, line)
		}
		key, amount := line[:i], line[i+1:]
		sum, err := decimal.NewFromString(string(bytes.TrimSpace(amount)))
		if err != nil {
			return fmt.Errorf("split %d line %d: %w", split.ID, lineNo, err)
		}

		if err := emit.Emit(bytes.TrimSpace(key), sum); err != nil {
			return err
		}
	}

	return nil
}

// Larger orders by sum, largest first, then by key.
func Larger(_ mapreduce.Operations[*Record], a, b *Record) bool {
	if c := a.Sum.Cmp(b.Sum); c != 0 {
		return c > 0
	}
	return bytes.Compare(a.Key, b.Key) < 0
}

func Format(w io.Writer, _ mapreduce.Operations[*Record], r *Record) error {
	_, err := fmt.Fprintf(w, "%s,%s\n", r.Key, r.Sum.String())
	return err
}
