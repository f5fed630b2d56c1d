package kafkax

import "github.com/segmentio/kafka-go"

var murmur2 = &kafka.Murmur2Balancer{Consistent: true}

// PartitionFor maps a partitioning key onto [0, count) with the same murmur2
// hash the Java client uses, so every producer agrees on the placement.
func PartitionFor(key []byte, count int) int {
	if count <= 1 {
		return 0
	}
	partitions := make([]int, count)
	for i := range partitions {
		partitions[i] = i
	}
	return murmur2.Balance(kafka.Message{Key: key}, partitions...)
}

// ExplicitPartition is a kafka.Balancer that keeps the partition chosen at
// write time. Messages pointing outside the topic's partitions fall back to
// the murmur2 placement of their key.
var ExplicitPartition kafka.Balancer = kafka.BalancerFunc(func(msg kafka.Message, partitions ...int) int {
	for _, p := range partitions {
		if p == msg.Partition {
			return p
		}
	}
	return murmur2.Balance(msg, partitions...)
})
