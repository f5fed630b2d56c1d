package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// TransactionIdentifierHeader carries the business transaction id of a relayed outbox row.
const TransactionIdentifierHeader = "transaction_identifier"

// Meta is the delivery metadata logged and traced for every consumed message.
type Meta struct {
	Topic                 string
	Partition             int
	Offset                int64
	TransactionIdentifier string
}

func ExtractMeta(msg kafka.Message) Meta {
	return Meta{
		Topic:                 msg.Topic,
		Partition:             msg.Partition,
		Offset:                msg.Offset,
		TransactionIdentifier: HeaderValue(msg.Headers, TransactionIdentifierHeader),
	}
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// SetHeader replaces key in headers, or appends it.
func SetHeader(headers []kafka.Header, key, value string) []kafka.Header {
	for i := range headers {
		if headers[i].Key == key {
			headers[i].Value = []byte(value)
			return headers
		}
	}
	return append(headers, kafka.Header{Key: key, Value: []byte(value)})
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
