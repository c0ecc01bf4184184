package mongodb

import (
	"context"
	"fmt"
	"strconv"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type eventsStore struct {
	collection         *mongo.Collection
	countersCollection *mongo.Collection
}

// NewEventsStore returns a MongoDB-based implementation of the
// core.EventsStore interface.
func NewEventsStore(database *mongo.Database) (core.EventsStore, error) {
	ctx, cancel :=
		context.WithTimeout(context.Background(), createIndexTimeout)
	defer cancel()
	unique := true
	collection := database.Collection("events")
	if _, err := collection.Indexes().CreateMany(
		ctx,
		[]mongo.IndexModel{
			{
				Keys: bson.M{
					"id": 1,
				},
				Options: &options.IndexOptions{
					Unique: &unique,
				},
			},
			// This facilitates ordered retrieval and pagination and guards
			// against a sequence number ever being issued twice
			{
				Keys: bson.M{
					"sequence": 1,
				},
				Options: &options.IndexOptions{
					Unique: &unique,
				},
			},
			// This facilitates filtering events by kind
			{
				Keys: bson.M{
					"type": 1,
				},
			},
			// This facilitates filtering events by the pipeline or build they
			// pertain to
			{
				Keys: bson.M{
					"pipelineID": 1,
				},
			},
			{
				Keys: bson.M{
					"buildID": 1,
				},
			},
		},
	); err != nil {
		return nil, errors.Wrap(
			err,
			"error adding indexes to events collection",
		)
	}
	return &eventsStore{
		collection:         collection,
		countersCollection: database.Collection("counters"),
	}, nil
}

func (e *eventsStore) Create(
	ctx context.Context,
	event core.Event,
) (core.Event, error) {
	// The sequence is allocated before the insert. A crash between the two
	// steps leaves a gap in the sequence, never a duplicate.
	res := e.countersCollection.FindOneAndUpdate(
		ctx,
		bson.M{"id": "eventSequence"},
		bson.M{"$inc": bson.M{"value": 1}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	)
	if res.Err() != nil {
		return event, errors.Wrap(
			res.Err(),
			"error incrementing event sequence counter",
		)
	}
	counter := struct {
		Value int64 `bson:"value"`
	}{}
	if err := res.Decode(&counter); err != nil {
		return event, errors.Wrap(err, "error decoding event sequence counter")
	}
	event.Sequence = counter.Value
	if _, err := e.collection.InsertOne(ctx, event); err != nil {
		return event, errors.Wrapf(err, "error inserting new event %q", event.ID)
	}
	return event, nil
}

func (e *eventsStore) List(
	ctx context.Context,
	selector core.EventsSelector,
	opts meta.ListOptions,
) (core.EventList, error) {
	events := core.EventList{}

	criteria := bson.M{}
	if len(selector.Kinds) > 0 {
		criteria["type"] = bson.M{"$in": selector.Kinds}
	}
	if selector.PipelineID != "" {
		criteria["pipelineID"] = selector.PipelineID
	}
	if selector.BuildID != "" {
		criteria["buildID"] = selector.BuildID
	}
	if opts.Continue != "" {
		continueSequence, err := strconv.ParseInt(opts.Continue, 10, 64)
		if err != nil {
			return events, &meta.ErrBadRequest{
				Reason: fmt.Sprintf("Invalid continue value %q.", opts.Continue),
			}
		}
		criteria["sequence"] = bson.M{"$gt": continueSequence}
	}

	findOptions := options.Find()
	findOptions.SetSort(bson.M{"sequence": 1})
	if opts.Limit > 0 {
		findOptions.SetLimit(opts.Limit)
	}
	cur, err := e.collection.Find(ctx, criteria, findOptions)
	if err != nil {
		return events, errors.Wrap(err, "error finding events")
	}
	if err := cur.All(ctx, &events.Items); err != nil {
		return events, errors.Wrap(err, "error decoding events")
	}

	if opts.Limit > 0 && int64(len(events.Items)) == opts.Limit {
		continueSequence := events.Items[opts.Limit-1].Sequence
		criteria["sequence"] = bson.M{"$gt": continueSequence}
		remaining, err := e.collection.CountDocuments(ctx, criteria)
		if err != nil {
			return events, errors.Wrap(err, "error counting remaining events")
		}
		if remaining > 0 {
			events.Continue = strconv.FormatInt(continueSequence, 10)
			events.RemainingItemCount = &remaining
		}
	}

	return events, nil
}
