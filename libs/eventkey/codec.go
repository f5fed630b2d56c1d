package eventkey

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the wire form. Fields are always written in this order so
// that equal keys encode to equal bytes, which log compaction relies on.
const (
	fieldKind                  protowire.Number = 1
	fieldAggregateType         protowire.Number = 2
	fieldAggregateID           protowire.Number = 3
	fieldAggregateVersion      protowire.Number = 4
	fieldTransactionIdentifier protowire.Number = 5
	fieldRootContextIdentifier protowire.Number = 6
)

var ErrMalformedKey = errors.New("malformed message key")

func Marshal(k MessageKey) []byte {
	b := make([]byte, 0, 64+len(k.Aggregate.Type))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.Kind))
	if k.Kind == KindAggregateEvent {
		b = protowire.AppendTag(b, fieldAggregateType, protowire.BytesType)
		b = protowire.AppendString(b, k.Aggregate.Type)
		b = protowire.AppendTag(b, fieldAggregateID, protowire.BytesType)
		b = protowire.AppendBytes(b, k.Aggregate.ID[:])
		b = protowire.AppendTag(b, fieldAggregateVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, k.Aggregate.Version)
	} else {
		b = protowire.AppendTag(b, fieldTransactionIdentifier, protowire.BytesType)
		b = protowire.AppendBytes(b, k.TransactionIdentifier[:])
	}
	b = protowire.AppendTag(b, fieldRootContextIdentifier, protowire.BytesType)
	b = protowire.AppendBytes(b, k.RootContextIdentifier[:])
	return b
}

func Unmarshal(b []byte) (MessageKey, error) {
	var k MessageKey
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return MessageKey{}, fmt.Errorf("%w: %v", ErrMalformedKey, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType,
			num == fieldAggregateVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return MessageKey{}, fmt.Errorf("%w: %v", ErrMalformedKey, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldKind {
				k.Kind = Kind(v)
			} else {
				k.Aggregate.Version = v
			}
		case num == fieldAggregateType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return MessageKey{}, fmt.Errorf("%w: %v", ErrMalformedKey, protowire.ParseError(n))
			}
			b = b[n:]
			k.Aggregate.Type = v
		case (num == fieldAggregateID || num == fieldTransactionIdentifier || num == fieldRootContextIdentifier) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return MessageKey{}, fmt.Errorf("%w: %v", ErrMalformedKey, protowire.ParseError(n))
			}
			b = b[n:]
			id, err := uuid.FromBytes(v)
			if err != nil {
				return MessageKey{}, fmt.Errorf("%w: field %d: %v", ErrMalformedKey, num, err)
			}
			switch num {
			case fieldAggregateID:
				k.Aggregate.ID = id
			case fieldTransactionIdentifier:
				k.TransactionIdentifier = id
			default:
				k.RootContextIdentifier = id
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return MessageKey{}, fmt.Errorf("%w: %v", ErrMalformedKey, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch k.Kind {
	case KindAggregateEvent:
		if k.Aggregate.Type == "" || k.Aggregate.ID == uuid.Nil {
			return MessageKey{}, fmt.Errorf("%w: aggregate identifier missing", ErrMalformedKey)
		}
	case KindTransactionStarted, KindTransactionFinished:
		if k.TransactionIdentifier == uuid.Nil {
			return MessageKey{}, fmt.Errorf("%w: transaction identifier missing", ErrMalformedKey)
		}
	default:
		return MessageKey{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedKey, k.Kind)
	}
	return k, nil
}
