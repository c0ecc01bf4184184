package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const createIndexTimeout = 5 * time.Second

type pipelinesStore struct {
	collection *mongo.Collection
}

// NewPipelinesStore returns a MongoDB-based implementation of the
// core.PipelinesStore interface.
func NewPipelinesStore(database *mongo.Database) (core.PipelinesStore, error) {
	ctx, cancel :=
		context.WithTimeout(context.Background(), createIndexTimeout)
	defer cancel()
	unique := true
	collection := database.Collection("pipelines")
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
		},
	); err != nil {
		return nil, errors.Wrap(
			err,
			"error adding indexes to pipelines collection",
		)
	}
	return &pipelinesStore{
		collection: collection,
	}, nil
}

func (p *pipelinesStore) Create(
	ctx context.Context,
	pipeline core.Pipeline,
) error {
	if _, err := p.collection.InsertOne(ctx, pipeline); err != nil {
		if writeException, ok := err.(mongo.WriteException); ok {
			if len(writeException.WriteErrors) == 1 &&
				writeException.WriteErrors[0].Code == 11000 {
				return &meta.ErrConflict{
					Type: "Pipeline",
					ID:   pipeline.ID,
					Reason: fmt.Sprintf(
						"A pipeline with the id %q already exists.",
						pipeline.ID,
					),
				}
			}
		}
		return errors.Wrapf(
			err,
			"error inserting new pipeline %q",
			pipeline.ID,
		)
	}
	return nil
}

func (p *pipelinesStore) Get(
	ctx context.Context,
	id string,
) (core.Pipeline, error) {
	pipeline := core.Pipeline{}
	res := p.collection.FindOne(ctx, bson.M{"id": id})
	if res.Err() == mongo.ErrNoDocuments {
		return pipeline, &meta.ErrNotFound{Type: "Pipeline", ID: id}
	}
	if res.Err() != nil {
		return pipeline, errors.Wrapf(
			res.Err(),
			"error finding pipeline %q",
			id,
		)
	}
	if err := res.Decode(&pipeline); err != nil {
		return pipeline, errors.Wrapf(err, "error decoding pipeline %q", id)
	}
	return pipeline, nil
}

func (p *pipelinesStore) Update(
	ctx context.Context,
	pipeline core.Pipeline,
) error {
	res, err := p.collection.ReplaceOne(
		ctx,
		bson.M{"id": pipeline.ID},
		pipeline,
	)
	if err != nil {
		return errors.Wrapf(err, "error replacing pipeline %q", pipeline.ID)
	}
	if res.MatchedCount == 0 {
		return &meta.ErrNotFound{Type: "Pipeline", ID: pipeline.ID}
	}
	return nil
}

func (p *pipelinesStore) List(
	ctx context.Context,
) (core.PipelineList, error) {
	pipelines := core.PipelineList{}
	findOptions := options.Find()
	findOptions.SetSort(bson.M{"id": 1})
	cur, err := p.collection.Find(ctx, bson.M{}, findOptions)
	if err != nil {
		return pipelines, errors.Wrap(err, "error finding pipelines")
	}
	if err := cur.All(ctx, &pipelines.Items); err != nil {
		return pipelines, errors.Wrap(err, "error decoding pipelines")
	}
	return pipelines, nil
}
