package domain

// RawMessage is a record read from the log, before decoding.
type RawMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int
}

// TopicPartition returns the partition the message was read from.
func (m RawMessage) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

// Batch is the unit of consumption: messages are decoded, forwarded and
// acknowledged together.
type Batch struct {
	Messages []RawMessage
	Events   []Envelope
}

// FirstOffsets returns, per partition, the offset of the first message in msgs.
// Rewinding to these offsets redelivers the whole batch.
func FirstOffsets(msgs []RawMessage) map[TopicPartition]int64 {
	out := make(map[TopicPartition]int64)
	for _, m := range msgs {
		tp := m.TopicPartition()
		if cur, ok := out[tp]; !ok || m.Offset < cur {
			out[tp] = m.Offset
		}
	}
	return out
}

// NextOffsets returns, per partition, the offset following the last message in
// msgs. This is the position committed after a successful batch.
func NextOffsets(msgs []RawMessage) map[TopicPartition]int64 {
	out := make(map[TopicPartition]int64)
	for _, m := range msgs {
		tp := m.TopicPartition()
		if cur, ok := out[tp]; !ok || m.Offset+1 > cur {
			out[tp] = m.Offset + 1
		}
	}
	return out
}
