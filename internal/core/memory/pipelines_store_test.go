package memory

import (
	"context"
	"testing"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/stretchr/testify/require"
)

func testPipeline(id string) core.Pipeline {
	pipeline := core.Pipeline{
		Version: 1,
		Enabled: true,
	}
	pipeline.ID = id
	return pipeline
}

func TestPipelinesStoreCreate(t *testing.T) {
	store := NewPipelinesStore()
	err := store.Create(context.Background(), testPipeline("hello-world"))
	require.NoError(t, err)

	err = store.Create(context.Background(), testPipeline("hello-world"))
	require.Error(t, err)
	require.IsType(t, &meta.ErrConflict{}, err)
}

func TestPipelinesStoreGet(t *testing.T) {
	store := NewPipelinesStore()
	_, err := store.Get(context.Background(), "hello-world")
	require.Error(t, err)
	require.IsType(t, &meta.ErrNotFound{}, err)

	require.NoError(
		t,
		store.Create(context.Background(), testPipeline("hello-world")),
	)
	pipeline, err := store.Get(context.Background(), "hello-world")
	require.NoError(t, err)
	require.Equal(t, "hello-world", pipeline.ID)
}

func TestPipelinesStoreUpdate(t *testing.T) {
	store := NewPipelinesStore()
	err := store.Update(context.Background(), testPipeline("hello-world"))
	require.Error(t, err)
	require.IsType(t, &meta.ErrNotFound{}, err)

	require.NoError(
		t,
		store.Create(context.Background(), testPipeline("hello-world")),
	)
	updated := testPipeline("hello-world")
	updated.Version = 2
	updated.Enabled = false
	require.NoError(t, store.Update(context.Background(), updated))

	pipeline, err := store.Get(context.Background(), "hello-world")
	require.NoError(t, err)
	require.Equal(t, int64(2), pipeline.Version)
	require.False(t, pipeline.Enabled)
}

func TestPipelinesStoreList(t *testing.T) {
	store := NewPipelinesStore()
	pipelines, err := store.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, pipelines.Items)

	require.NoError(
		t,
		store.Create(context.Background(), testPipeline("world-peace")),
	)
	require.NoError(
		t,
		store.Create(context.Background(), testPipeline("hello-world")),
	)
	pipelines, err = store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, pipelines.Items, 2)
	require.Equal(t, "hello-world", pipelines.Items[0].ID)
	require.Equal(t, "world-peace", pipelines.Items[1].ID)
}
