package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/meta"
)

type buildsStore struct {
	mu              sync.RWMutex
	builds          map[string]core.Build
	buildIDsByJobID map[string]string
	numbers         map[string]int64
}

// NewBuildsStore returns a memory-based implementation of the
// core.BuildsStore interface.
func NewBuildsStore() core.BuildsStore {
	return &buildsStore{
		builds:          map[string]core.Build{},
		buildIDsByJobID: map[string]string{},
		numbers:         map[string]int64{},
	}
}

func (b *buildsStore) NextNumber(
	_ context.Context,
	pipelineID string,
) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	number := b.numbers[pipelineID] + 1
	b.numbers[pipelineID] = number
	return number, nil
}

func (b *buildsStore) Create(_ context.Context, build core.Build) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.builds[build.ID]; ok {
		return &meta.ErrConflict{
			Type: "Build",
			ID:   build.ID,
			Reason: fmt.Sprintf(
				"A build with the id %q already exists.",
				build.ID,
			),
		}
	}
	build = copyBuild(build)
	b.builds[build.ID] = build
	for i := range build.Stages {
		for j := range build.Stages[i].Jobs {
			b.buildIDsByJobID[build.Stages[i].Jobs[j].ID] = build.ID
		}
	}
	return nil
}

func (b *buildsStore) Get(_ context.Context, id string) (core.Build, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	build, ok := b.builds[id]
	if !ok {
		return build, &meta.ErrNotFound{Type: "Build", ID: id}
	}
	return copyBuild(build), nil
}

func (b *buildsStore) GetByNumber(
	_ context.Context,
	pipelineID string,
	number int64,
) (core.Build, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, build := range b.builds {
		if build.PipelineID == pipelineID && build.Number == number {
			return copyBuild(build), nil
		}
	}
	return core.Build{}, &meta.ErrNotFound{
		Type: "Build",
		ID:   fmt.Sprintf("%s/%d", pipelineID, number),
	}
}

func (b *buildsStore) GetByJobID(
	_ context.Context,
	jobID string,
) (core.Build, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buildID, ok := b.buildIDsByJobID[jobID]
	if !ok {
		return core.Build{}, &meta.ErrNotFound{Type: "Job", ID: jobID}
	}
	return copyBuild(b.builds[buildID]), nil
}

func (b *buildsStore) Update(
	_ context.Context,
	id string,
	fn func(*core.Build) error,
) (core.Build, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	build, ok := b.builds[id]
	if !ok {
		return core.Build{}, &meta.ErrNotFound{Type: "Build", ID: id}
	}
	// fn works on a private copy: an error abandons the update without the
	// stored build having seen any partial mutation.
	updated := copyBuild(build)
	if err := fn(&updated); err != nil {
		return core.Build{}, err
	}
	b.builds[id] = updated
	return copyBuild(updated), nil
}

func (b *buildsStore) List(
	_ context.Context,
	selector core.BuildsSelector,
) (core.BuildList, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	builds := core.BuildList{}
	for _, build := range b.builds {
		if selector.PipelineID != "" &&
			build.PipelineID != selector.PipelineID {
			continue
		}
		if len(selector.Phases) > 0 {
			var matched bool
			for _, phase := range selector.Phases {
				if build.Phase == phase {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		builds.Items = append(builds.Items, copyBuild(build))
	}
	sort.Slice(builds.Items, func(i, j int) bool {
		ci := timeOrZero(builds.Items[i].Created)
		cj := timeOrZero(builds.Items[j].Created)
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return builds.Items[i].ID < builds.Items[j].ID
	})
	return builds, nil
}

// copyBuild clones a build deeply enough that mutating the copy's stages or
// jobs cannot touch the original. Maps and timestamps are only ever replaced
// wholesale, never written through, so sharing them is safe.
func copyBuild(in core.Build) core.Build {
	out := in
	out.Stages = make([]core.Stage, len(in.Stages))
	for i, stage := range in.Stages {
		stageCopy := stage
		stageCopy.Needs = append([]string(nil), stage.Needs...)
		stageCopy.Jobs = append([]core.Job(nil), stage.Jobs...)
		out.Stages[i] = stageCopy
	}
	return out
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
