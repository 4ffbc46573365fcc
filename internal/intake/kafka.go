package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"tagsync/internal/dispatch"
	logx "tagsync/pkg/logx"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// TagMessage is the value format of the sync topic. A plain string value is
// also accepted as the tag.
type TagMessage struct {
	Tag string `json:"tag"`
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaConsumer turns topic messages into tag syncs. Messages are committed
// after the engine has answered, except when the engine is stopped so the
// message is redelivered to the next consumer.
type KafkaConsumer struct {
	r   MessageReader
	eng Engine
	log logx.Logger
}

func NewKafkaConsumer(cfg KafkaConfig, eng Engine, log logx.Logger) *KafkaConsumer {
	group := strings.TrimSpace(cfg.GroupID)
	if group == "" {
		group = "tagsync"
	}
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return newKafkaConsumer(r, eng, log)
}

func newKafkaConsumer(r MessageReader, eng Engine, log logx.Logger) *KafkaConsumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &KafkaConsumer{r: r, eng: eng, log: log}
}

func (c *KafkaConsumer) Close() error { return c.r.Close() }

// Run consumes until ctx is done. A fetch error is returned so the caller's
// supervisor can restart the loop.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := c.handle(ctx, m); err != nil {
			return err
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, m kgo.Message) error {
	log := c.log.With(logx.Int("partition", m.Partition), logx.Int64("offset", m.Offset))

	tag := decodeTag(m.Value)
	if tag == "" {
		log.Warn("kafka message without tag; skipping")
		return c.commit(ctx, m)
	}

	accepted, err := c.eng.SubmitTag(ctx, tag)
	switch {
	case errors.Is(err, dispatch.ErrStopped):
		return err
	case err != nil:
		log.Error("tag sync from kafka failed", logx.String("tag", tag.Name()), logx.Err(err))
	default:
		log.Debug("tag sync from kafka", logx.String("tag", tag.Name()), logx.Bool("accepted", accepted))
	}
	return c.commit(ctx, m)
}

func (c *KafkaConsumer) commit(ctx context.Context, m kgo.Message) error {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.r.CommitMessages(cctx, m)
}

func decodeTag(v []byte) dispatch.Tag {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return ""
	}
	if v[0] != '{' {
		return dispatch.Tag(strings.TrimSpace(string(v)))
	}
	var tm TagMessage
	if err := json.Unmarshal(v, &tm); err != nil {
		return ""
	}
	return dispatch.Tag(strings.TrimSpace(tm.Tag))
}
