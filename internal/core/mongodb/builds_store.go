package mongodb

import (
	"context"
	"fmt"
	"sync"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type buildsStore struct {
	collection         *mongo.Collection
	countersCollection *mongo.Collection
	// updateMu serializes read-modify-write sections. The orchestrator is
	// the builds' only writer, so process-local exclusion suffices.
	updateMu sync.Mutex
}

// NewBuildsStore returns a MongoDB-based implementation of the
// core.BuildsStore interface.
func NewBuildsStore(database *mongo.Database) (core.BuildsStore, error) {
	ctx, cancel :=
		context.WithTimeout(context.Background(), createIndexTimeout)
	defer cancel()
	unique := true
	collection := database.Collection("builds")
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
			// This facilitates retrieving a build by its per-pipeline number
			// and guards number uniqueness
			{
				Keys: bson.D{
					{Key: "pipelineID", Value: 1},
					{Key: "number", Value: 1},
				},
				Options: &options.IndexOptions{
					Unique: &unique,
				},
			},
			// This facilitates locating the build that owns a given job
			{
				Keys: bson.M{
					"stages.jobs.id": 1,
				},
			},
			// This facilitates the scheduler's selection of non-terminal
			// builds
			{
				Keys: bson.M{
					"phase": 1,
				},
			},
		},
	); err != nil {
		return nil, errors.Wrap(
			err,
			"error adding indexes to builds collection",
		)
	}
	return &buildsStore{
		collection:         collection,
		countersCollection: database.Collection("counters"),
	}, nil
}

func (b *buildsStore) NextNumber(
	ctx context.Context,
	pipelineID string,
) (int64, error) {
	res := b.countersCollection.FindOneAndUpdate(
		ctx,
		bson.M{"id": fmt.Sprintf("buildNumber:%s", pipelineID)},
		bson.M{"$inc": bson.M{"value": 1}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	)
	if res.Err() != nil {
		return 0, errors.Wrapf(
			res.Err(),
			"error incrementing build number for pipeline %q",
			pipelineID,
		)
	}
	counter := struct {
		Value int64 `bson:"value"`
	}{}
	if err := res.Decode(&counter); err != nil {
		return 0, errors.Wrapf(
			err,
			"error decoding build number for pipeline %q",
			pipelineID,
		)
	}
	return counter.Value, nil
}

func (b *buildsStore) Create(ctx context.Context, build core.Build) error {
	if _, err := b.collection.InsertOne(ctx, build); err != nil {
		if writeException, ok := err.(mongo.WriteException); ok {
			if len(writeException.WriteErrors) == 1 &&
				writeException.WriteErrors[0].Code == 11000 {
				return &meta.ErrConflict{
					Type: "Build",
					ID:   build.ID,
					Reason: fmt.Sprintf(
						"A build with the id %q already exists.",
						build.ID,
					),
				}
			}
		}
		return errors.Wrapf(err, "error inserting new build %q", build.ID)
	}
	return nil
}

func (b *buildsStore) Get(
	ctx context.Context,
	id string,
) (core.Build, error) {
	build := core.Build{}
	res := b.collection.FindOne(ctx, bson.M{"id": id})
	if res.Err() == mongo.ErrNoDocuments {
		return build, &meta.ErrNotFound{Type: "Build", ID: id}
	}
	if res.Err() != nil {
		return build, errors.Wrapf(res.Err(), "error finding build %q", id)
	}
	if err := res.Decode(&build); err != nil {
		return build, errors.Wrapf(err, "error decoding build %q", id)
	}
	return build, nil
}

func (b *buildsStore) GetByNumber(
	ctx context.Context,
	pipelineID string,
	number int64,
) (core.Build, error) {
	build := core.Build{}
	res := b.collection.FindOne(
		ctx,
		bson.M{"pipelineID": pipelineID, "number": number},
	)
	if res.Err() == mongo.ErrNoDocuments {
		return build, &meta.ErrNotFound{
			Type: "Build",
			ID:   fmt.Sprintf("%s/%d", pipelineID, number),
		}
	}
	if res.Err() != nil {
		return build, errors.Wrapf(
			res.Err(),
			"error finding build %d of pipeline %q",
			number,
			pipelineID,
		)
	}
	if err := res.Decode(&build); err != nil {
		return build, errors.Wrapf(
			err,
			"error decoding build %d of pipeline %q",
			number,
			pipelineID,
		)
	}
	return build, nil
}

func (b *buildsStore) GetByJobID(
	ctx context.Context,
	jobID string,
) (core.Build, error) {
	build := core.Build{}
	res := b.collection.FindOne(ctx, bson.M{"stages.jobs.id": jobID})
	if res.Err() == mongo.ErrNoDocuments {
		return build, &meta.ErrNotFound{Type: "Job", ID: jobID}
	}
	if res.Err() != nil {
		return build, errors.Wrapf(
			res.Err(),
			"error finding build owning job %q",
			jobID,
		)
	}
	if err := res.Decode(&build); err != nil {
		return build, errors.Wrapf(
			err,
			"error decoding build owning job %q",
			jobID,
		)
	}
	return build, nil
}

func (b *buildsStore) Update(
	ctx context.Context,
	id string,
	fn func(*core.Build) error,
) (core.Build, error) {
	b.updateMu.Lock()
	defer b.updateMu.Unlock()
	build, err := b.Get(ctx, id)
	if err != nil {
		return core.Build{}, err
	}
	if err = fn(&build); err != nil {
		return core.Build{}, err
	}
	res, err := b.collection.ReplaceOne(ctx, bson.M{"id": id}, build)
	if err != nil {
		return build, errors.Wrapf(err, "error replacing build %q", id)
	}
	if res.MatchedCount == 0 {
		return build, &meta.ErrNotFound{Type: "Build", ID: id}
	}
	return build, nil
}

func (b *buildsStore) List(
	ctx context.Context,
	selector core.BuildsSelector,
) (core.BuildList, error) {
	builds := core.BuildList{}
	criteria := bson.M{}
	if selector.PipelineID != "" {
		criteria["pipelineID"] = selector.PipelineID
	}
	if len(selector.Phases) > 0 {
		criteria["phase"] = bson.M{"$in": selector.Phases}
	}
	findOptions := options.Find()
	findOptions.SetSort(
		bson.D{
			{Key: "created", Value: 1},
			{Key: "id", Value: 1},
		},
	)
	cur, err := b.collection.Find(ctx, criteria, findOptions)
	if err != nil {
		return builds, errors.Wrap(err, "error finding builds")
	}
	if err := cur.All(ctx, &builds.Items); err != nil {
		return builds, errors.Wrap(err, "error decoding builds")
	}
	return builds, nil
}
