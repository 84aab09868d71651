package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"inkdown-docsync/internal/config"

	"github.com/go-playground/validator/v10"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

var ErrInvalidEvent = errors.New("invalid event")

// DocumentWriter applies a whole-text write from outside any view session.
type DocumentWriter interface {
	Write(ctx context.Context, id, content string) (int64, error)
}

// ExternalWrite is what other tools publish on the external channel.
type ExternalWrite struct {
	DocumentID string `json:"document_id" validate:"required,max=256"`
	Text       string `json:"text"`
}

// ChangeNotice is published on the changes channel for every mutation that
// was fanned out to view sessions.
type ChangeNotice struct {
	DocumentID      string `json:"document_id"`
	Version         int64  `json:"version"`
	OriginSessionID string `json:"origin_session_id,omitempty"`
}

// RedisFeed bridges the document store to Redis pub/sub in both directions.
type RedisFeed struct {
	client          *redis.Client
	writer          DocumentWriter
	externalChannel string
	changesChannel  string
	notices         chan ChangeNotice
	validate        *validator.Validate
}

func NewRedisFeed(client *redis.Client, writer DocumentWriter, cfg config.RedisConfig) *RedisFeed {
	return &RedisFeed{
		client:          client,
		writer:          writer,
		externalChannel: cfg.ExternalChannel,
		changesChannel:  cfg.ChangesChannel,
		notices:         make(chan ChangeNotice, 256),
		validate:        validator.New(),
	}
}

// Connect parses a redis:// URL and checks the server is reachable.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Run subscribes to the external channel and publishes queued change notices
// until ctx is done.
func (f *RedisFeed) Run(ctx context.Context) error {
	pubsub := f.client.Subscribe(ctx, f.externalChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", f.externalChannel, err)
	}
	glog.Infof("[Events] subscribed to %s, publishing to %s", f.externalChannel, f.changesChannel)

	inbound := pubsub.Channel()
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := f.handleExternal(ctx, msg.Payload); err != nil {
				glog.Warningf("[Events] external write rejected: %v", err)
			}

		case notice := <-f.notices:
			f.publish(ctx, notice)

		case <-ctx.Done():
			return nil
		}
	}
}

// ObserveChange queues a change notice without blocking. It has the shape of
// service.ChangeObserver and runs under the sync service lock.
func (f *RedisFeed) ObserveChange(documentID string, version int64, originSessionID string) {
	select {
	case f.notices <- ChangeNotice{DocumentID: documentID, Version: version, OriginSessionID: originSessionID}:
	default:
		glog.Warningf("[Events] change notice for %s v%d dropped, queue full", documentID, version)
	}
}

func (f *RedisFeed) handleExternal(ctx context.Context, payload string) error {
	write, err := DecodeExternalWrite(f.validate, []byte(payload))
	if err != nil {
		return err
	}

	version, err := f.writer.Write(ctx, write.DocumentID, write.Text)
	if err != nil {
		return fmt.Errorf("write of %s failed: %w", write.DocumentID, err)
	}

	glog.V(1).Infof("[Events] external write to %s now at version %d", write.DocumentID, version)
	return nil
}

func (f *RedisFeed) publish(ctx context.Context, notice ChangeNotice) {
	data, err := json.Marshal(notice)
	if err != nil {
		glog.Errorf("[Events] failed to encode change notice: %v", err)
		return
	}

	if err := f.client.Publish(ctx, f.changesChannel, data).Err(); err != nil {
		glog.Warningf("[Events] failed to publish change of %s v%d: %v", notice.DocumentID, notice.Version, err)
	}
}

func DecodeExternalWrite(validate *validator.Validate, data []byte) (*ExternalWrite, error) {
	var write ExternalWrite
	if err := json.Unmarshal(data, &write); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if err := validate.Struct(&write); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	return &write, nil
}
