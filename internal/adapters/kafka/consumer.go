package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/nimafallahian/catalog-relay/internal/domain"
	"github.com/nimafallahian/catalog-relay/internal/ports"
)

var _ ports.LogSource = (*Consumer)(nil)

const (
	defaultRebalanceTimeout = 60 * time.Second
	defaultPartitionWait    = 100 * time.Millisecond
)

// partitionReader reads a single partition outside of any consumer group.
type partitionReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	SetOffset(offset int64) error
	Close() error
}

// groupSession is the membership side of a consumer group.
type groupSession interface {
	Next(ctx context.Context) (generation, error)
	Close() error
}

// generation is one assignment of partitions to this member.
type generation interface {
	ID() int32
	Assignments() map[string][]kafkago.PartitionAssignment
	CommitOffsets(offsets map[string]map[int]int64) error
	Start(fn func(ctx context.Context))
}

// Options configures a Consumer.
type Options struct {
	Brokers []string
	Topics  []string
	GroupID string

	// StartOffset applies when the group has no committed offset for a
	// partition: "earliest" or "latest".
	StartOffset string

	// RebalanceTimeout bounds how long the group waits for this member to
	// finish its batch in flight when partitions are reassigned.
	RebalanceTimeout time.Duration

	// PartitionWait is how long Poll waits on one idle partition before
	// moving on to the next assigned one.
	PartitionWait time.Duration

	Dialer *kafkago.Dialer
	Debug  bool
	Logger *slog.Logger
}

// Consumer implements ports.LogSource on a kafka-go consumer group. Group
// membership is held for the lifetime of the Consumer; every assigned
// partition gets its own reader, so a rewind is a local seek and never makes
// the member leave the group. A rebalance takes effect only between batches:
// the group is kept waiting until the next Poll.
type Consumer struct {
	group         groupSession
	openPartition func(topic string, partition int) partitionReader
	startOffset   int64
	partitionWait time.Duration
	logger        *slog.Logger

	gen     generation
	readers []*assigned
	byTP    map[domain.TopicPartition]*assigned
	next    int
	ended   chan struct{}
	release func()
}

type assigned struct {
	tp     domain.TopicPartition
	reader partitionReader
}

// NewConsumer constructs a new Consumer and starts joining the consumer group.
func NewConsumer(opts Options) (*Consumer, error) {
	cfg, err := groupConfig(opts)
	if err != nil {
		return nil, err
	}
	cg, err := kafkago.NewConsumerGroup(cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	open := func(topic string, partition int) partitionReader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     opts.Brokers,
			Topic:       topic,
			Partition:   partition,
			Dialer:      opts.Dialer,
			Logger:      cfg.Logger,
			ErrorLogger: cfg.ErrorLogger,
		})
	}
	return newConsumer(kafkaGroup{cg}, open, cfg.StartOffset, opts.PartitionWait, opts.Logger), nil
}

func newConsumer(group groupSession, open func(string, int) partitionReader, startOffset int64, partitionWait time.Duration, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if partitionWait <= 0 {
		partitionWait = defaultPartitionWait
	}
	return &Consumer{
		group:         group,
		openPartition: open,
		startOffset:   startOffset,
		partitionWait: partitionWait,
		logger:        logger,
	}
}

func groupConfig(opts Options) (kafkago.ConsumerGroupConfig, error) {
	if len(opts.Brokers) == 0 {
		return kafkago.ConsumerGroupConfig{}, fmt.Errorf("brokers must not be empty")
	}
	if len(opts.Topics) == 0 {
		return kafkago.ConsumerGroupConfig{}, fmt.Errorf("topics must not be empty")
	}
	if opts.GroupID == "" {
		return kafkago.ConsumerGroupConfig{}, fmt.Errorf("groupID must not be empty")
	}

	cfg := kafkago.ConsumerGroupConfig{
		ID:               opts.GroupID,
		Brokers:          opts.Brokers,
		Topics:           opts.Topics,
		Dialer:           opts.Dialer,
		RebalanceTimeout: opts.RebalanceTimeout,
		StartOffset:      kafkago.LastOffset,
	}
	if cfg.RebalanceTimeout <= 0 {
		cfg.RebalanceTimeout = defaultRebalanceTimeout
	}
	switch opts.StartOffset {
	case "earliest":
		cfg.StartOffset = kafkago.FirstOffset
	case "latest", "":
	default:
		return kafkago.ConsumerGroupConfig{}, fmt.Errorf("unknown start offset %q", opts.StartOffset)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Debug {
		cfg.Logger = kafkago.LoggerFunc(func(msg string, args ...any) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-go")
		})
	}
	cfg.ErrorLogger = kafkago.LoggerFunc(func(msg string, args ...any) {
		logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-go")
	})
	return cfg, nil
}

// Poll fetches up to max messages from the assigned partitions, returning
// early with whatever arrived once wait has elapsed. Messages of one
// partition are returned in offset order. A finished generation is released
// here, before the next one is joined.
func (c *Consumer) Poll(ctx context.Context, max int, wait time.Duration) ([]domain.RawMessage, error) {
	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := c.ensureGeneration(pollCtx); err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, nil
		case errors.Is(err, domain.ErrFatalLog):
			return nil, err
		case errors.Is(err, kafkago.ErrGroupClosed):
			return nil, fmt.Errorf("%w: %v", domain.ErrFatalLog, err)
		default:
			return nil, fmt.Errorf("%w: join group: %v", domain.ErrLogRead, err)
		}
	}

	if len(c.readers) == 0 {
		// Nothing assigned to this member; wait for a rebalance.
		select {
		case <-pollCtx.Done():
		case <-c.ended:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	}

	out := make([]domain.RawMessage, 0, max)
	for len(out) < max {
		select {
		case <-c.ended:
			return out, nil
		default:
		}

		a := c.readers[c.next]
		c.next = (c.next + 1) % len(c.readers)

		fetchCtx, fetchCancel := context.WithTimeout(pollCtx, c.partitionWait)
		m, err := a.reader.FetchMessage(fetchCtx)
		fetchCancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case pollCtx.Err() != nil:
				return out, nil
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case isTemporary(err):
				return out, fmt.Errorf("%w: %v", domain.ErrLogRead, err)
			case errors.Is(err, io.EOF):
				return out, fmt.Errorf("%w: reader closed", domain.ErrFatalLog)
			default:
				return out, fmt.Errorf("%w: %v", domain.ErrFatalLog, err)
			}
		}
		out = append(out, domain.RawMessage{
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       m.Key,
			Value:     m.Value,
		})
	}
	return out, nil
}

// Commit synchronously commits the offset after the last message of every
// partition present in msgs.
func (c *Consumer) Commit(ctx context.Context, msgs []domain.RawMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.gen == nil {
		return fmt.Errorf("commit offsets: %w", domain.ErrPartitionsRevoked)
	}
	if err := c.gen.CommitOffsets(offsetsByTopic(domain.NextOffsets(msgs))); err != nil {
		return c.commitError("commit offsets", err)
	}
	return nil
}

// Rewind makes the first message of every partition in msgs the group's
// committed position and seeks the partition readers back to it, so the next
// Poll redelivers the batch. Group membership is untouched.
func (c *Consumer) Rewind(ctx context.Context, msgs []domain.RawMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.gen == nil {
		return fmt.Errorf("rewind offsets: %w", domain.ErrPartitionsRevoked)
	}

	first := domain.FirstOffsets(msgs)
	if err := c.gen.CommitOffsets(offsetsByTopic(first)); err != nil {
		return c.commitError("rewind offsets", err)
	}
	for tp, off := range first {
		a, ok := c.byTP[tp]
		if !ok {
			continue
		}
		if err := a.reader.SetOffset(off); err != nil {
			return fmt.Errorf("%w: seek %s/%d to %d: %v", domain.ErrFatalLog, tp.Topic, tp.Partition, off, err)
		}
	}
	return nil
}

// Close releases the partition readers and leaves the group.
func (c *Consumer) Close() error {
	rerr := c.releaseGeneration()
	return errors.Join(rerr, c.group.Close())
}

func (c *Consumer) ensureGeneration(ctx context.Context) error {
	if c.gen != nil {
		select {
		case <-c.ended:
			c.logger.Info("consumer group generation ended", "generation", c.gen.ID())
			if err := c.releaseGeneration(); err != nil {
				c.logger.Warn("failed to close partition readers", "error", err)
			}
		default:
			return nil
		}
	}

	gen, err := c.group.Next(ctx)
	if err != nil {
		return err
	}

	ended := make(chan struct{})
	release := make(chan struct{})
	gen.Start(func(gctx context.Context) {
		<-gctx.Done()
		close(ended)
		// Hold the group until the batch in flight is committed or rewound.
		<-release
	})

	c.gen = gen
	c.ended = ended
	var once sync.Once
	c.release = func() { once.Do(func() { close(release) }) }
	c.byTP = make(map[domain.TopicPartition]*assigned)
	c.readers = nil
	c.next = 0

	for topic, parts := range gen.Assignments() {
		for _, p := range parts {
			offset := p.Offset
			if offset < 0 {
				offset = c.startOffset
			}
			r := c.openPartition(topic, p.ID)
			a := &assigned{tp: domain.TopicPartition{Topic: topic, Partition: p.ID}, reader: r}
			c.readers = append(c.readers, a)
			c.byTP[a.tp] = a
			if err := r.SetOffset(offset); err != nil {
				_ = c.releaseGeneration()
				return fmt.Errorf("%w: seek %s/%d to %d: %v", domain.ErrFatalLog, topic, p.ID, offset, err)
			}
		}
	}
	sort.Slice(c.readers, func(i, j int) bool {
		if c.readers[i].tp.Topic != c.readers[j].tp.Topic {
			return c.readers[i].tp.Topic < c.readers[j].tp.Topic
		}
		return c.readers[i].tp.Partition < c.readers[j].tp.Partition
	})

	c.logger.Info("joined consumer group generation", "generation", gen.ID(), "partitions", len(c.readers))
	return nil
}

func (c *Consumer) releaseGeneration() error {
	if c.gen == nil {
		return nil
	}
	var errs []error
	for _, a := range c.readers {
		errs = append(errs, a.reader.Close())
	}
	c.release()
	c.gen, c.readers, c.byTP, c.release = nil, nil, nil, nil
	return errors.Join(errs...)
}

func offsetsByTopic(positions map[domain.TopicPartition]int64) map[string]map[int]int64 {
	out := make(map[string]map[int]int64)
	for tp, off := range positions {
		if out[tp.Topic] == nil {
			out[tp.Topic] = make(map[int]int64)
		}
		out[tp.Topic][tp.Partition] = off
	}
	return out
}

// commitError separates a commit refused because this member no longer owns
// the partitions from a broken log. In the first case the generation is
// dropped: the local read positions are past uncommitted messages, so the
// next Poll must start over from the group's committed offsets.
func (c *Consumer) commitError(op string, err error) error {
	if !revoked(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rerr := c.releaseGeneration(); rerr != nil {
		c.logger.Warn("failed to close partition readers", "error", rerr)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrPartitionsRevoked, err)
}

func revoked(err error) bool {
	return errors.Is(err, kafkago.ErrGenerationEnded) ||
		errors.Is(err, kafkago.ErrGroupClosed) ||
		errors.Is(err, kafkago.RebalanceInProgress) ||
		errors.Is(err, kafkago.IllegalGeneration) ||
		errors.Is(err, kafkago.UnknownMemberId)
}

func isTemporary(err error) bool {
	var kerr kafkago.Error
	return errors.As(err, &kerr) && kerr.Temporary()
}

type kafkaGroup struct {
	cg *kafkago.ConsumerGroup
}

func (g kafkaGroup) Next(ctx context.Context) (generation, error) {
	gen, err := g.cg.Next(ctx)
	if err != nil {
		return nil, err
	}
	return kafkaGeneration{gen}, nil
}

func (g kafkaGroup) Close() error { return g.cg.Close() }

type kafkaGeneration struct {
	gen *kafkago.Generation
}

func (g kafkaGeneration) ID() int32 { return g.gen.ID }

func (g kafkaGeneration) Assignments() map[string][]kafkago.PartitionAssignment {
	return g.gen.Assignments
}

func (g kafkaGeneration) CommitOffsets(offsets map[string]map[int]int64) error {
	return g.gen.CommitOffsets(offsets)
}

func (g kafkaGeneration) Start(fn func(ctx context.Context)) { g.gen.Start(fn) }
