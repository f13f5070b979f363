// Package pulse mirrors bus events onto Redis-backed Pulse streams so
// observers in other processes can follow sessions without an in-process bus
// subscription. Each session gets its own stream named session/<id>; entries
// carry the JSON-encoded event keyed by the event name.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "github.com/weftlab/weft/features/stream/pulse/clients/pulse"
	"github.com/weftlab/weft/runtime/workflow/bus"
	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/telemetry"
)

type (
	// ForwarderOptions configures a Forwarder.
	ForwarderOptions struct {
		// Client publishes to Pulse streams. Required.
		Client clientspulse.Client
		// Bus is the in-process event bus to mirror. Required.
		Bus *bus.Bus
		// StreamID derives the target stream from an event. Defaults to
		// SessionStream on the event's session.
		StreamID func(*event.Event) (string, error)
		// Logger reports publish failures. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Forwarder copies every event published on the bus onto its session's
	// Pulse stream. Run one per process; subscribers in other processes read
	// the streams through Subscriber.
	Forwarder struct {
		client   clientspulse.Client
		bus      *bus.Bus
		streamID func(*event.Event) (string, error)
		logger   telemetry.Logger
	}
)

// ErrOverflowed reports that the forwarder fell behind the bus and its
// subscription was dropped. Events published while it lagged were not
// mirrored; callers restart the forwarder to resume from the present.
var ErrOverflowed = errors.New("pulse: forwarder overflowed bus subscription")

// SessionStream returns the Pulse stream name carrying a session's events.
func SessionStream(sessionID string) string {
	return "session/" + sessionID
}

// NewForwarder constructs a Forwarder. Client and Bus are required.
func NewForwarder(opts ForwarderOptions) (*Forwarder, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Forwarder{
		client:   opts.Client,
		bus:      opts.Bus,
		streamID: streamID,
		logger:   logger,
	}, nil
}

// Run subscribes to every session on the bus and mirrors events until ctx is
// canceled, the bus closes (returns nil), or the subscription overflows
// (returns ErrOverflowed). Individual publish failures are logged and
// skipped so a Redis hiccup does not halt the mirror.
func (f *Forwarder) Run(ctx context.Context) error {
	sub := f.bus.Subscribe(bus.AllSessions)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				select {
				case <-sub.Overflowed():
					return ErrOverflowed
				default:
					return nil
				}
			}
			if err := f.Forward(ctx, ev); err != nil {
				f.logger.Error(ctx, "pulse forward failed",
					"session_id", ev.SessionID,
					"event", string(ev.Name),
					"err", err,
				)
			}
		}
	}
}

// Forward publishes a single event to its session stream.
func (f *Forwarder) Forward(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return errors.New("pulse: nil event")
	}
	streamID, err := f.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := f.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pulse: encode event: %w", err)
	}
	if _, err := handle.Add(ctx, string(ev.Name), payload); err != nil {
		return err
	}
	return nil
}

// Close releases the underlying Pulse client.
func (f *Forwarder) Close(ctx context.Context) error {
	return f.client.Close(ctx)
}

func defaultStreamID(ev *event.Event) (string, error) {
	if ev.SessionID == "" {
		return "", errors.New("pulse: event missing session id")
	}
	return SessionStream(ev.SessionID), nil
}
