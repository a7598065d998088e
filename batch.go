package flashkv

import (
	"github.com/flashkv/flashkv/internal/encoding"
	"github.com/flashkv/flashkv/internal/keys"
)

// batchOp is one mutation recorded in a Batch.
type batchOp struct {
	kind  keys.Kind
	key   []byte
	value []byte
}

// Batch groups mutations applied atomically by Write: either every
// operation lands, assigned one contiguous block of sequence numbers
// and one WAL record, or none do (spec §4.9 "write(batch)").
type Batch struct {
	ops []batchOp
}

// NewBatch returns an empty Batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put stages a key/value write.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{kind: keys.KindValue, key: key, value: value})
}

// Delete stages a tombstone for key.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{kind: keys.KindDelete, key: key})
}

// Len returns the number of staged operations.
func (b *Batch) Len() int { return len(b.ops) }

// encode serializes the batch per spec §4.9's payload format: count
// (varint), then per op kindByte, keyLen+key, and — for PUT — valLen+val.
func (b *Batch) encode() []byte {
	var buf []byte
	buf = encoding.PutUvarint(buf, uint64(len(b.ops)))
	for _, op := range b.ops {
		buf = append(buf, byte(op.kind))
		buf = encoding.PutUvarint(buf, uint64(len(op.key)))
		buf = append(buf, op.key...)
		if op.kind == keys.KindValue {
			buf = encoding.PutUvarint(buf, uint64(len(op.value)))
			buf = append(buf, op.value...)
		}
	}
	return buf
}

// decodeBatch parses a WAL record payload back into a sequence of
// batchOps, used by recovery to replay logged mutations.
func decodeBatch(buf []byte) ([]batchOp, error) {
	count, n, err := encoding.GetUvarint(buf)
	if err != nil {
		return nil, errCorruption("batch: truncated op count: %v", err)
	}
	buf = buf[n:]

	ops := make([]batchOp, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(buf) < 1 {
			return nil, errCorruption("batch: truncated kind byte")
		}
		kind := keys.Kind(buf[0])
		buf = buf[1:]

		keyLen, n, err := encoding.GetUvarint(buf)
		if err != nil {
			return nil, errCorruption("batch: truncated key length: %v", err)
		}
		buf = buf[n:]
		if uint64(len(buf)) < keyLen {
			return nil, errCorruption("batch: truncated key")
		}
		key := append([]byte(nil), buf[:keyLen]...)
		buf = buf[keyLen:]

		op := batchOp{kind: kind, key: key}
		if kind == keys.KindValue {
			valLen, n, err := encoding.GetUvarint(buf)
			if err != nil {
				return nil, errCorruption("batch: truncated value length: %v", err)
			}
			buf = buf[n:]
			if uint64(len(buf)) < valLen {
				return nil, errCorruption("batch: truncated value")
			}
			op.value = append([]byte(nil), buf[:valLen]...)
			buf = buf[valLen:]
		}
		ops = append(ops, op)
	}
	return ops, nil
}
