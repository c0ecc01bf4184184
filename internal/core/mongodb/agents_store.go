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

type agentsStore struct {
	collection *mongo.Collection
}

// NewAgentsStore returns a MongoDB-based implementation of the
// core.AgentsStore interface.
func NewAgentsStore(database *mongo.Database) (core.AgentsStore, error) {
	ctx, cancel :=
		context.WithTimeout(context.Background(), createIndexTimeout)
	defer cancel()
	unique := true
	collection := database.Collection("agents")
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
			// This facilitates agent selection: connected first, least
			// loaded first, lowest id first
			{
				Keys: bson.D{
					{Key: "phase", Value: 1},
					{Key: "load", Value: 1},
					{Key: "id", Value: 1},
				},
			},
		},
	); err != nil {
		return nil, errors.Wrap(
			err,
			"error adding indexes to agents collection",
		)
	}
	return &agentsStore{
		collection: collection,
	}, nil
}

func (a *agentsStore) Create(ctx context.Context, agent core.Agent) error {
	if _, err := a.collection.InsertOne(ctx, agent); err != nil {
		if writeException, ok := err.(mongo.WriteException); ok {
			if len(writeException.WriteErrors) == 1 &&
				writeException.WriteErrors[0].Code == 11000 {
				return &meta.ErrConflict{
					Type: "Agent",
					ID:   agent.ID,
					Reason: fmt.Sprintf(
						"An agent with the id %q already exists.",
						agent.ID,
					),
				}
			}
		}
		return errors.Wrapf(err, "error inserting new agent %q", agent.ID)
	}
	return nil
}

func (a *agentsStore) Get(
	ctx context.Context,
	id string,
) (core.Agent, error) {
	agent := core.Agent{}
	res := a.collection.FindOne(ctx, bson.M{"id": id})
	if res.Err() == mongo.ErrNoDocuments {
		return agent, &meta.ErrNotFound{Type: "Agent", ID: id}
	}
	if res.Err() != nil {
		return agent, errors.Wrapf(res.Err(), "error finding agent %q", id)
	}
	if err := res.Decode(&agent); err != nil {
		return agent, errors.Wrapf(err, "error decoding agent %q", id)
	}
	return agent, nil
}

func (a *agentsStore) Update(ctx context.Context, agent core.Agent) error {
	res, err := a.collection.ReplaceOne(
		ctx,
		bson.M{"id": agent.ID},
		agent,
	)
	if err != nil {
		return errors.Wrapf(err, "error replacing agent %q", agent.ID)
	}
	if res.MatchedCount == 0 {
		return &meta.ErrNotFound{Type: "Agent", ID: agent.ID}
	}
	return nil
}

func (a *agentsStore) Heartbeat(
	ctx context.Context,
	id string,
	at time.Time,
	load int,
) error {
	res, err := a.collection.UpdateOne(
		ctx,
		bson.M{"id": id},
		bson.M{
			"$set": bson.M{
				"lastHeartbeat": at,
				"load":          load,
			},
		},
	)
	if err != nil {
		return errors.Wrapf(err, "error updating heartbeat of agent %q", id)
	}
	if res.MatchedCount == 0 {
		return &meta.ErrNotFound{Type: "Agent", ID: id}
	}
	return nil
}

func (a *agentsStore) Disconnect(ctx context.Context, id string) error {
	res, err := a.collection.UpdateOne(
		ctx,
		bson.M{
			"id":    id,
			"phase": core.AgentPhaseConnected,
		},
		bson.M{
			"$set": bson.M{
				"phase": core.AgentPhaseDisconnected,
				"load":  0,
			},
		},
	)
	if err != nil {
		return errors.Wrapf(err, "error disconnecting agent %q", id)
	}
	if res.MatchedCount == 0 {
		return &meta.ErrNotFound{Type: "Agent", ID: id}
	}
	return nil
}

func (a *agentsStore) SelectAndReserve(
	ctx context.Context,
	requiredLabels map[string]string,
) (core.Agent, bool, error) {
	agent := core.Agent{}
	criteria := bson.M{
		"phase": core.AgentPhaseConnected,
		"$expr": bson.M{"$lt": bson.A{"$load", "$capacity"}},
	}
	for k, v := range requiredLabels {
		criteria[fmt.Sprintf("labels.%s", k)] = v
	}
	// findAndModify makes the selection and the load increment one atomic
	// step: two concurrent callers can never land on the same last slot.
	res := a.collection.FindOneAndUpdate(
		ctx,
		criteria,
		bson.M{"$inc": bson.M{"load": 1}},
		options.FindOneAndUpdate().
			SetSort(
				bson.D{
					{Key: "load", Value: 1},
					{Key: "id", Value: 1},
				},
			).
			SetReturnDocument(options.After),
	)
	if res.Err() == mongo.ErrNoDocuments {
		return agent, false, nil
	}
	if res.Err() != nil {
		return agent, false, errors.Wrap(res.Err(), "error selecting agent")
	}
	if err := res.Decode(&agent); err != nil {
		return agent, false, errors.Wrap(err, "error decoding selected agent")
	}
	return agent, true, nil
}

func (a *agentsStore) Release(ctx context.Context, id string) error {
	res, err := a.collection.UpdateOne(
		ctx,
		bson.M{
			"id":   id,
			"load": bson.M{"$gt": 0},
		},
		bson.M{"$inc": bson.M{"load": -1}},
	)
	if err != nil {
		return errors.Wrapf(err, "error releasing load of agent %q", id)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	// Either the agent is unknown or its load was already zero.
	count, err := a.collection.CountDocuments(ctx, bson.M{"id": id})
	if err != nil {
		return errors.Wrapf(err, "error counting agents with id %q", id)
	}
	if count == 0 {
		return &meta.ErrNotFound{Type: "Agent", ID: id}
	}
	return nil
}

func (a *agentsStore) List(ctx context.Context) (core.AgentList, error) {
	agents := core.AgentList{}
	findOptions := options.Find()
	findOptions.SetSort(bson.M{"id": 1})
	cur, err := a.collection.Find(ctx, bson.M{}, findOptions)
	if err != nil {
		return agents, errors.Wrap(err, "error finding agents")
	}
	if err := cur.All(ctx, &agents.Items); err != nil {
		return agents, errors.Wrap(err, "error decoding agents")
	}
	return agents, nil
}
