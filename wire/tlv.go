package wire

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/lightningnetwork/lnd/tlv"
)

// Record is one tagged field of a TLV stream: a field of an
// entity-transaction payload, or of an onion hop instruction. Using TLV here (rather than a
// fixed struct encoding) means a new transaction variant is a new Type value
// that old validators can at least recognize as "unknown, reject" instead of
// misparsing -- the lockstep-upgrade discipline spec §9 calls for.
type Record struct {
	Type  uint64
	Value []byte
}

// EncodeRecords writes records as a canonical TLV stream: ascending by Type
// (the BOLT TLV convention, and the only stream order that makes the
// encoding deterministic across callers that build the record slice in
// different orders).
func EncodeRecords(w io.Writer, records []Record) error {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Type < sorted[j].Type })

	var scratch [8]byte
	for _, rec := range sorted {
		if err := tlv.WriteVarInt(w, rec.Type, &scratch); err != nil {
			return fmt.Errorf("wire: encode type %d: %w", rec.Type, err)
		}
		if err := tlv.WriteVarInt(w, uint64(len(rec.Value)), &scratch); err != nil {
			return fmt.Errorf("wire: encode length for type %d: %w",
				rec.Type, err)
		}
		if _, err := w.Write(rec.Value); err != nil {
			return fmt.Errorf("wire: encode value for type %d: %w",
				rec.Type, err)
		}
	}
	return nil
}

// DecodeRecords reads a TLV stream previously written by EncodeRecords.
// Types must appear in strictly ascending order, matching BOLT TLV stream
// validity rules -- a decoder that tolerates out-of-order types would accept
// non-canonical encodings and break state-hash determinism.
func DecodeRecords(r io.Reader) ([]Record, error) {
	var (
		records []Record
		scratch [8]byte
		lastTyp uint64
		first   = true
	)

	for {
		typ, err := tlv.ReadVarInt(r, &scratch)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("wire: decode type: %w", err)
		}

		if !first && typ <= lastTyp {
			return nil, fmt.Errorf(
				"wire: non-canonical TLV stream, type %d after %d",
				typ, lastTyp)
		}
		first = false
		lastTyp = typ

		length, err := tlv.ReadVarInt(r, &scratch)
		if err != nil {
			return nil, fmt.Errorf("wire: decode length for type %d: %w",
				typ, err)
		}

		value := make([]byte, length)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, fmt.Errorf("wire: decode value for type %d: %w",
				typ, err)
		}

		records = append(records, Record{Type: typ, Value: value})
	}

	return records, nil
}

// EncodeRecordsToBytes is a convenience wrapper returning the encoded stream
// as a byte slice.
func EncodeRecordsToBytes(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeRecords(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
