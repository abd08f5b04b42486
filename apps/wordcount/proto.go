package wordcount

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
)

// Wire layout of the protobuf record:
//
//	message pao {
//	  string key = 1;
//	  uint32 count = 2;
//	}
const (
	keyField   protowire.Number = 1
	countField protowire.Number = 2
)

// ProtoOps serializes a record as a protobuf message.
type ProtoOps struct{ ops }

var _ mapreduce.Operations[*Record] = ProtoOps{}

func (ProtoOps) SerializedSize(r *Record) int {
	return protowire.SizeTag(keyField) + protowire.SizeBytes(len(r.Key)) +
		protowire.SizeTag(countField) + protowire.SizeVarint(uint64(r.Count))
}

func (o ProtoOps) Serialize(r *Record, buf []byte) (int, error) {
	size := o.SerializedSize(r)
	if len(buf) < size {
		return 0, &mapreduce.SerializeError{Op: "serialize", Key: r.Key, Size: len(buf), Err: mapreduce.ErrShortBuffer}
	}

	b := buf[:0]
	b = protowire.AppendTag(b, keyField, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Key)
	b = protowire.AppendTag(b, countField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Count))

	return len(b), nil
}

// Deserialize reads fields until buf ends. Unknown fields are skipped.
func (ProtoOps) Deserialize(r *Record, buf []byte) (int, error) {
	corrupt := func() error {
		return &mapreduce.SerializeError{Op: "deserialize", Key: r.Key, Size: len(buf), Err: mapreduce.ErrCorruptRecord}
	}

	r.Key = r.Key[:0]
	r.Count = 0

	off := 0
	for off < len(buf) {
		num, typ, n := protowire.ConsumeTag(buf[off:])
		if n < 0 {
			return 0, corrupt()
		}
		off += n

		switch {
		case num == keyField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf[off:])
			if n < 0 || len(v) > MaxKeyLen {
				return 0, corrupt()
			}
			r.Key = append(r.Key, v...)
			off += n
		case num == countField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf[off:])
			if n < 0 {
				return 0, corrupt()
			}
			r.Count = uint32(v)
			off += n
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf[off:])
			if n < 0 {
				return 0, corrupt()
			}
			off += n
		}
	}

	return off, nil
}
