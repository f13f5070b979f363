package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/weftlab/weft/features/stream/pulse/clients/pulse"
	"github.com/weftlab/weft/runtime/workflow/event"
)

type (
	// EventDecoder converts raw stream payloads back into workflow events.
	// Custom decoders handle non-standard payload formats.
	EventDecoder func([]byte) (*event.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume streams. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "weft_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes stream payloads. Defaults to JSON decoding
		// into event.Event.
		Decoder EventDecoder
	}

	// Subscriber consumes a session's Pulse stream from Redis and emits the
	// mirrored workflow events. It is the cross-process counterpart of a bus
	// subscription.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EventDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "weft_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEvent
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a consumer group on the session's stream and returns
// channels for events and errors. The returned cancel function stops
// consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	events, errs, cancel, err := sub.Subscribe(ctx, sessionID)
//	defer cancel()
//	for ev := range events {
//	    // process event
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	sessionID string,
	opts ...streamopts.Sink,
) (<-chan *event.Event, <-chan error, context.CancelFunc, error) {
	if sessionID == "" {
		return nil, nil, nil, errors.New("session id is required")
	}
	str, err := s.client.Stream(SessionStream(sessionID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan *event.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads entries from the Pulse sink, decodes them, and emits events
// on out. Each entry is acked after successful emission. Both channels close
// when ctx is canceled or the sink channel closes; decode and ack failures
// are sent on errs before returning.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- *event.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(entry.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, entry); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEvent deserializes the JSON event payload written by the forwarder.
func decodeEvent(payload []byte) (*event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
