package tunnel

import (
	"fmt"

	"github.com/golang/glog"
	"google.golang.org/protobuf/encoding/protowire"
)

// Sync frames use the protobuf wire format:
//
//	SyncFrame {
//	    1: message_type varint
//	    2: batch_id bytes (16)
//	    3: records repeated bytes (Record)
//	}
//	Record {
//	    1: location bytes (17, see `LocationKey.AppendBinary`)
//	    2: frequency zigzag varint
//	    3: output varint
//	    4: error varint
//	    5: name string
//	}
//
// An empty message is a ping.

type SyncMessageType uint64

const (
	SyncMessageTypeReplace SyncMessageType = 1
	SyncMessageTypeMerge   SyncMessageType = 2
)

func (self SyncMessageType) String() string {
	switch self {
	case SyncMessageTypeReplace:
		return "replace"
	case SyncMessageTypeMerge:
		return "merge"
	default:
		return fmt.Sprintf("sync(%d)", uint64(self))
	}
}

const (
	syncFrameMessageType protowire.Number = 1
	syncFrameBatchId     protowire.Number = 2
	syncFrameRecord      protowire.Number = 3

	recordLocation  protowire.Number = 1
	recordFrequency protowire.Number = 2
	recordOutput    protowire.Number = 3
	recordError     protowire.Number = 4
	recordName      protowire.Number = 5
)

// RecordBatch is one delivery from the sync source.
// A replace batch is the full record set, a merge batch is a delta.
type RecordBatch struct {
	BatchId Id
	Replace bool
	Records []*Record
}

func NewReplaceBatch(records []*Record) *RecordBatch {
	return &RecordBatch{
		BatchId: NewId(),
		Replace: true,
		Records: records,
	}
}

func NewMergeBatch(records []*Record) *RecordBatch {
	return &RecordBatch{
		BatchId: NewId(),
		Replace: false,
		Records: records,
	}
}

func (self *RecordBatch) MessageType() SyncMessageType {
	if self.Replace {
		return SyncMessageTypeReplace
	}
	return SyncMessageTypeMerge
}

func EncodeSyncFrame(batch *RecordBatch) []byte {
	var b []byte
	b = protowire.AppendTag(b, syncFrameMessageType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(batch.MessageType()))
	b = protowire.AppendTag(b, syncFrameBatchId, protowire.BytesType)
	b = protowire.AppendBytes(b, batch.BatchId.Bytes())
	for _, record := range batch.Records {
		b = protowire.AppendTag(b, syncFrameRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeRecord(record))
	}
	return b
}

func encodeRecord(record *Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, recordLocation, protowire.BytesType)
	b = protowire.AppendBytes(b, record.Location.Bytes())
	if record.Frequency != 0 {
		b = protowire.AppendTag(b, recordFrequency, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(record.Frequency))
	}
	if record.Output {
		b = protowire.AppendTag(b, recordOutput, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(record.Output))
	}
	if record.Error {
		b = protowire.AppendTag(b, recordError, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(record.Error))
	}
	if record.Name != "" {
		b = protowire.AppendTag(b, recordName, protowire.BytesType)
		b = protowire.AppendString(b, record.Name)
	}
	return b
}

// DecodeSyncFrame fails on a malformed frame. A record with a malformed location is
// dropped and the rest of the batch is kept.
func DecodeSyncFrame(b []byte) (*RecordBatch, error) {
	batch := &RecordBatch{
		Records: []*Record{},
	}
	var messageType SyncMessageType
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == syncFrameMessageType && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			messageType = SyncMessageType(v)
		case num == syncFrameBatchId && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if 0 <= n {
				batchId, err := IdFromBytes(v)
				if err != nil {
					return nil, err
				}
				batch.BatchId = batchId
			}
		case num == syncFrameRecord && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if 0 <= n {
				record, err := decodeRecord(v)
				if IsDecodeError(err) {
					glog.Infof("[sync]drop record = %s\n", err)
				} else if err != nil {
					return nil, err
				} else {
					batch.Records = append(batch.Records, record)
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}

	switch messageType {
	case SyncMessageTypeReplace:
		batch.Replace = true
	case SyncMessageTypeMerge:
		batch.Replace = false
	default:
		return nil, fmt.Errorf("Unknown sync message type: %s", messageType)
	}
	return batch, nil
}

func decodeRecord(b []byte) (*Record, error) {
	record := &Record{}
	hasLocation := false
	var locationErr error
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == recordLocation && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if 0 <= n {
				record.Location, locationErr = DecodeLocation(v)
				hasLocation = true
			}
		case num == recordFrequency && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			record.Frequency = protowire.DecodeZigZag(v)
		case num == recordOutput && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			record.Output = protowire.DecodeBool(v)
		case num == recordError && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			record.Error = protowire.DecodeBool(v)
		case num == recordName && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			record.Name = v
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if !hasLocation {
		return nil, &DecodeError{Reason: "record without location"}
	}
	if locationErr != nil {
		return nil, locationErr
	}
	return record, nil
}
