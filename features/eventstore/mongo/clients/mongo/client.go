// Package mongo implements the low-level MongoDB client used by the session
// event store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/weftlab/weft/runtime/workflow/event"
)

type (
	// Client exposes Mongo-backed operations for the session event log.
	Client interface {
		health.Pinger

		Append(ctx context.Context, ev *event.Event) error
		Events(ctx context.Context, sessionID string, from int) ([]*event.Event, error)
		ListSessions(ctx context.Context) ([]string, error)
		DeleteSession(ctx context.Context, sessionID string) error
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	eventDocument struct {
		ID        bson.ObjectID `bson:"_id,omitempty"`
		EventID   string        `bson:"event_id"`
		SessionID string        `bson:"session_id"`
		Position  int           `bson:"position"`
		Name      string        `bson:"name"`
		Payload   []byte        `bson:"payload"`
		Timestamp time.Time     `bson:"timestamp"`
	}
)

const (
	defaultCollection = "session_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "eventstore-mongo"

	// positionRetries bounds the optimistic insert loop. The unique
	// (session_id, position) index detects races; each loser re-reads the
	// tail and tries the next position.
	positionRetries = 8
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Append inserts the event at the session's next position. Position
// assignment is optimistic: read the current tail, insert at tail+1, and on
// a duplicate key error re-read and retry.
func (c *client) Append(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return errors.New("event is required")
	}
	if ev.SessionID == "" {
		return errors.New("session id is required")
	}
	if ev.Name == "" {
		return errors.New("event name is required")
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	for attempt := 0; attempt < positionRetries; attempt++ {
		next, err := c.nextPosition(ctx, ev.SessionID)
		if err != nil {
			return err
		}
		doc := eventDocument{
			EventID:   ev.ID,
			SessionID: ev.SessionID,
			Position:  next,
			Name:      string(ev.Name),
			Payload:   append([]byte(nil), ev.Payload...),
			Timestamp: ts.UTC(),
		}
		if _, err := c.coll.InsertOne(ctx, doc); err != nil {
			if mongodriver.IsDuplicateKeyError(err) {
				continue
			}
			return err
		}
		ev.Position = next
		ev.Timestamp = ts
		return nil
	}
	return fmt.Errorf("append lost the position race for session %s %d times", ev.SessionID, positionRetries)
}

func (c *client) Events(ctx context.Context, sessionID string, from int) (events []*event.Event, err error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if from < 0 {
		from = 0
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx,
		bson.M{"session_id": sessionID, "position": bson.M{"$gte": from}},
		options.Find().SetSort(bson.D{{Key: "position", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	events = []*event.Event{}
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		events = append(events, decodeEvent(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ListSessions groups events by session and orders sessions by the ObjectID
// of their first event, which follows first-append order.
func (c *client) ListSessions(ctx context.Context) (ids []string, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	pipeline := mongodriver.Pipeline{
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$session_id"},
			{Key: "first", Value: bson.D{{Key: "$min", Value: "$_id"}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "first", Value: 1}}}},
	}
	cur, err := c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	ids = []string{}
	for cur.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		ids = append(ids, row.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *client) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.DeleteMany(ctx, bson.M{"session_id": sessionID})
	return err
}

func (c *client) nextPosition(ctx context.Context, sessionID string) (next int, err error) {
	cur, err := c.coll.Find(ctx,
		bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "position", Value: -1}}).SetLimit(1),
	)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	if cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return 0, err
		}
		return doc.Position + 1, cur.Err()
	}
	return 0, cur.Err()
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func decodeEvent(doc eventDocument) *event.Event {
	return &event.Event{
		ID:        doc.EventID,
		SessionID: doc.SessionID,
		Name:      event.Name(doc.Name),
		Payload:   append([]byte(nil), doc.Payload...),
		Timestamp: doc.Timestamp,
		Position:  doc.Position,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "position", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Aggregate(ctx context.Context, pipeline any, opts ...options.Lister[options.AggregateOptions]) (cursor, error)
	DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Aggregate(ctx context.Context, pipeline any, opts ...options.Lister[options.AggregateOptions]) (cursor, error) {
	cur, err := c.coll.Aggregate(ctx, pipeline, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
