// Package bridge relays events between bus instances of one factory over an
// in-process watermill gochannel.
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/nexbus/internal/runtime/event"
	"github.com/drblury/nexbus/internal/runtime/jsoncodec"
	"github.com/drblury/nexbus/internal/runtime/logging"
	"github.com/drblury/nexbus/internal/runtime/metadata"
)

// Topic is the gochannel topic all bridged events travel on.
const Topic = "nexbus.bridge"

const (
	keyOrigin    = "nexbus_origin"
	keyEventID   = "nexbus_event_id"
	keyPattern   = "nexbus_pattern"
	keyPriority  = "nexbus_priority"
	keyTimestamp = "nexbus_timestamp"
	keyMeta      = "nexbus_meta"
)

// DeliverFunc receives events published by other instances.
type DeliverFunc func(ctx context.Context, evt event.Event)

// Bridge is shared by the instances of one factory.
type Bridge struct {
	pubSub *gochannel.GoChannel
	logger logging.ServiceLogger

	mu     sync.Mutex
	closed bool
}

// New creates a bridge backed by a fresh gochannel.
func New(log logging.ServiceLogger) *Bridge {
	log = logging.OrNop(log)
	return &Bridge{
		pubSub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logging.NewWatermillAdapter(log)),
		logger: log,
	}
}

// Publish relays evt to every attached instance except origin.
func (b *Bridge) Publish(origin string, evt event.Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("bridge is closed")
	}

	msg, err := encode(origin, evt)
	if err != nil {
		return err
	}
	if err := b.pubSub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("failed to publish event %s to bridge: %w", evt.ID, err)
	}
	return nil
}

// Attach subscribes instanceID to the bridge. Events it published itself are
// skipped. The returned function detaches it and waits for the reader to stop.
func (b *Bridge) Attach(instanceID string, deliver DeliverFunc) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	messages, err := b.pubSub.Subscribe(ctx, Topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to attach %s to bridge: %w", instanceID, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			b.handle(ctx, instanceID, msg, deliver)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (b *Bridge) handle(ctx context.Context, instanceID string, msg *message.Message, deliver DeliverFunc) {
	defer msg.Ack()
	if msg.Metadata.Get(keyOrigin) == instanceID {
		return
	}
	evt, err := decode(msg)
	if err != nil {
		b.logger.Error("Dropping undecodable bridged event", err, logging.LogFields{
			"instance_id":  instanceID,
			"message_uuid": msg.UUID,
		})
		return
	}
	deliver(ctx, evt)
}

// Close shuts the gochannel down. Attached readers stop.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.pubSub.Close()
}

func encode(origin string, evt event.Event) (*message.Message, error) {
	payload, err := jsoncodec.MarshalPayload(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload of event %s: %w", evt.ID, err)
	}
	meta := evt.Metadata
	meta.Headers = nil
	encodedMeta, err := jsoncodec.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata of event %s: %w", evt.ID, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(keyOrigin, origin)
	msg.Metadata.Set(keyEventID, evt.ID)
	msg.Metadata.Set(keyPattern, evt.Pattern)
	msg.Metadata.Set(keyPriority, strconv.Itoa(int(evt.Priority)))
	msg.Metadata.Set(keyTimestamp, evt.Timestamp.UTC().Format(time.RFC3339Nano))
	msg.Metadata.Set(keyMeta, string(encodedMeta))
	metadata.ToWatermill(evt.Metadata.Headers, msg.Metadata)
	return msg, nil
}

func decode(msg *message.Message) (event.Event, error) {
	evt := event.Event{
		ID:      msg.Metadata.Get(keyEventID),
		Pattern: msg.Metadata.Get(keyPattern),
	}
	if evt.ID == "" || evt.Pattern == "" {
		return event.Event{}, fmt.Errorf("bridged message %s lacks event id or pattern", msg.UUID)
	}

	payload, err := jsoncodec.UnmarshalPayload(msg.Payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to decode payload: %w", err)
	}
	evt.Payload = payload

	if raw := msg.Metadata.Get(keyMeta); raw != "" {
		if err := jsoncodec.Unmarshal([]byte(raw), &evt.Metadata); err != nil {
			return event.Event{}, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	evt.Metadata.Headers = metadata.FromWatermill(msg.Metadata)

	if p, err := strconv.Atoi(msg.Metadata.Get(keyPriority)); err == nil {
		evt.Priority = event.Priority(p)
	}
	if ts, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get(keyTimestamp)); err == nil {
		evt.Timestamp = ts
	}
	return evt, nil
}
