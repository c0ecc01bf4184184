package core_test

import (
	"context"
	"sync"
	"testing"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestBuildMarshalJSON(t *testing.T) {
	requireAPIVersionAndType(t, core.Build{}, "Build")
}

func TestBuildListMarshalJSON(t *testing.T) {
	requireAPIVersionAndType(t, core.BuildList{}, "BuildList")
}

func TestBuildsServiceCreate(t *testing.T) {
	testCases := []struct {
		name       string
		setup      func(*testing.T, *testServices)
		trigger    core.Trigger
		assertions func(*testing.T, *testServices, core.Build, error)
	}{
		{
			name:    "pipeline not found",
			setup:   func(*testing.T, *testServices) {},
			trigger: core.Trigger{Kind: core.TriggerKindManual},
			assertions: func(
				t *testing.T,
				_ *testServices,
				_ core.Build,
				err error,
			) {
				require.Error(t, err)
				require.IsType(t, &meta.ErrNotFound{}, errors.Cause(err))
			},
		},
		{
			name: "pipeline disabled",
			setup: func(t *testing.T, s *testServices) {
				createTestPipeline(t, s)
				require.NoError(
					t,
					s.pipelines.Disable(context.Background(), testPipelineID),
				)
			},
			trigger: core.Trigger{Kind: core.TriggerKindManual},
			assertions: func(
				t *testing.T,
				_ *testServices,
				_ core.Build,
				err error,
			) {
				require.IsType(t, &meta.ErrConflict{}, err)
				require.Contains(t, err.(*meta.ErrConflict).Reason, "disabled")
			},
		},
		{
			name: "unknown trigger kind",
			setup: func(t *testing.T, s *testServices) {
				createTestPipeline(t, s)
			},
			trigger: core.Trigger{Kind: "bogus"},
			assertions: func(
				t *testing.T,
				_ *testServices,
				_ core.Build,
				err error,
			) {
				require.IsType(t, &meta.ErrBadRequest{}, err)
				require.Equal(
					t,
					`Trigger kind "bogus" is not known.`,
					err.(*meta.ErrBadRequest).Reason,
				)
			},
		},
		{
			name: "undeclared trigger kind",
			setup: func(t *testing.T, s *testServices) {
				createTestPipeline(t, s)
			},
			trigger: core.Trigger{Kind: core.TriggerKindPullRequest, PRNumber: 42},
			assertions: func(
				t *testing.T,
				_ *testServices,
				_ core.Build,
				err error,
			) {
				require.IsType(t, &meta.ErrBadRequest{}, err)
				require.Contains(
					t,
					err.(*meta.ErrBadRequest).Reason,
					`does not declare a "pull_request" trigger`,
				)
			},
		},
		{
			name: "declared trigger kind",
			setup: func(t *testing.T, s *testServices) {
				createTestPipeline(t, s)
			},
			trigger: core.Trigger{
				Kind: core.TriggerKindPush,
				Ref:  "refs/heads/main",
			},
			assertions: func(
				t *testing.T,
				_ *testServices,
				build core.Build,
				err error,
			) {
				require.NoError(t, err)
				require.Equal(t, core.TriggerKindPush, build.Trigger.Kind)
			},
		},
		{
			// API triggers, like manual ones, are always accepted: declared
			// triggers gate what the outside world may do, not operators.
			name: "api trigger accepted without declaration",
			setup: func(t *testing.T, s *testServices) {
				createTestPipeline(t, s)
			},
			trigger: core.Trigger{Kind: core.TriggerKindAPI, User: "robot"},
			assertions: func(
				t *testing.T,
				_ *testServices,
				_ core.Build,
				err error,
			) {
				require.NoError(t, err)
			},
		},
		{
			name: "success",
			setup: func(t *testing.T, s *testServices) {
				createTestPipeline(t, s)
			},
			trigger: core.Trigger{Kind: core.TriggerKindManual, User: "tony"},
			assertions: func(
				t *testing.T,
				s *testServices,
				build core.Build,
				err error,
			) {
				require.NoError(t, err)
				require.NotEmpty(t, build.ID)
				require.NotNil(t, build.Created)
				require.Equal(t, testPipelineID, build.PipelineID)
				require.Equal(t, int64(1), build.PipelineVersion)
				require.Equal(t, int64(1), build.Number)
				require.Equal(t, core.BuildPhasePending, build.Phase)

				require.Len(t, build.Stages, 2)
				require.Equal(t, "build", build.Stages[0].Name)
				require.Equal(
					t,
					core.StagePhaseRunnable,
					build.Stages[0].Phase,
				)
				require.Equal(t, "test", build.Stages[1].Name)
				require.Equal(t, core.StagePhasePending, build.Stages[1].Phase)

				compile := findTestJob(t, build, "build", "compile")
				require.NotEmpty(t, compile.ID)
				require.Equal(t, core.JobPhasePending, compile.Phase)
				require.Equal(
					t,
					map[string]string{"CI": "true"},
					compile.Environment,
				)

				unit := findTestJob(t, build, "test", "unit")
				require.NotEqual(t, compile.ID, unit.ID)
				require.Equal(
					t,
					map[string]string{"CI": "true", "VERBOSE": "true"},
					unit.Environment,
				)
				require.Equal(t, map[string]string{"os": "linux"}, unit.Labels)

				events, err := s.events.List(
					context.Background(),
					core.EventsSelector{BuildID: build.ID},
					meta.ListOptions{},
				)
				require.NoError(t, err)
				require.Len(t, events.Items, 1)
				require.Equal(
					t,
					core.EventKindBuildCreated,
					events.Items[0].Kind,
				)
				require.Equal(t, int64(1), events.Items[0].BuildNumber)
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			s := newTestServices()
			testCase.setup(t, s)
			build, err := s.builds.Create(
				context.Background(),
				testPipelineID,
				testCase.trigger,
			)
			testCase.assertions(t, s, build, err)
		})
	}
}

func TestBuildsServiceCreateNumbersSequentially(t *testing.T) {
	s := newTestServices()
	createTestPipeline(t, s)
	for i := int64(1); i <= 3; i++ {
		build := createTestBuild(t, s)
		require.Equal(t, i, build.Number)
	}
}

func TestBuildsServiceCreateAllocatesDistinctNumbers(t *testing.T) {
	s := newTestServices()
	createTestPipeline(t, s)

	const n = 10
	numbers := make(chan int64, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			build, err := s.builds.Create(
				context.Background(),
				testPipelineID,
				core.Trigger{Kind: core.TriggerKindManual, User: "tony"},
			)
			if err != nil {
				errs <- err
				return
			}
			numbers <- build.Number
		}()
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := map[int64]struct{}{}
	for number := range numbers {
		seen[number] = struct{}{}
	}
	require.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		require.Contains(t, seen, i)
	}
}

func TestBuildsServiceStart(t *testing.T) {
	t.Run("build not found", func(t *testing.T) {
		s := newTestServices()
		err := s.builds.Start(context.Background(), "nonexistent")
		require.Error(t, err)
		require.IsType(t, &meta.ErrNotFound{}, errors.Cause(err))
	})

	t.Run("success", func(t *testing.T) {
		s := newTestServices()
		createTestPipeline(t, s)
		build := createTestBuild(t, s)

		err := s.builds.Start(context.Background(), build.ID)
		require.NoError(t, err)
		build, err = s.builds.Get(context.Background(), build.ID)
		require.NoError(t, err)
		require.Equal(t, core.BuildPhaseRunning, build.Phase)
		require.NotNil(t, build.Started)

		requireEventKinds(
			t,
			s,
			core.EventsSelector{BuildID: build.ID},
			core.EventKindBuildCreated,
			core.EventKindBuildStarted,
		)
	})

	t.Run("already running", func(t *testing.T) {
		s := newTestServices()
		createTestPipeline(t, s)
		build := createTestBuild(t, s)
		require.NoError(t, s.builds.Start(context.Background(), build.ID))

		err := s.builds.Start(context.Background(), build.ID)
		require.Error(t, err)
		require.IsType(t, &meta.ErrConflict{}, err)
		require.Contains(t, err.(*meta.ErrConflict).Reason, "cannot be started")
	})
}

func TestBuildsServiceCancel(t *testing.T) {
	t.Run("pending build", func(t *testing.T) {
		s := newTestServices()
		createTestPipeline(t, s)
		build := createTestBuild(t, s)

		err := s.builds.Cancel(context.Background(), build.ID)
		require.NoError(t, err)

		build, err = s.builds.Get(context.Background(), build.ID)
		require.NoError(t, err)
		require.Equal(t, core.BuildPhaseCancelled, build.Phase)
		require.NotNil(t, build.Ended)
		for _, stage := range build.Stages {
			require.Equal(t, core.StagePhaseSkipped, stage.Phase)
			for _, job := range stage.Jobs {
				require.Equal(t, core.JobPhaseCancelled, job.Phase)
			}
		}

		requireEventKinds(
			t,
			s,
			core.EventsSelector{BuildID: build.ID},
			core.EventKindBuildCreated,
			core.EventKindBuildCancelled,
		)
	})

	t.Run("running build releases agent slots", func(t *testing.T) {
		s := newTestServices()
		createTestPipeline(t, s)
		build := createTestBuild(t, s)
		registerTestAgent(t, s, "agent-a", 2)

		_, err := s.scheduler.Tick(context.Background())
		require.NoError(t, err)
		agent, err := s.agents.Get(context.Background(), "agent-a")
		require.NoError(t, err)
		require.Equal(t, 1, agent.Load)

		err = s.builds.Cancel(context.Background(), build.ID)
		require.NoError(t, err)

		build, err = s.builds.Get(context.Background(), build.ID)
		require.NoError(t, err)
		require.Equal(t, core.BuildPhaseCancelled, build.Phase)
		compile := findTestJob(t, build, "build", "compile")
		require.Equal(t, core.JobPhaseCancelled, compile.Phase)

		agent, err = s.agents.Get(context.Background(), "agent-a")
		require.NoError(t, err)
		require.Equal(t, 0, agent.Load)

		requireEventKinds(
			t,
			s,
			core.EventsSelector{BuildID: build.ID},
			core.EventKindBuildCreated,
			core.EventKindBuildStarted,
			core.EventKindJobAssigned,
			core.EventKindBuildCancelled,
		)
	})

	t.Run("terminal build", func(t *testing.T) {
		s := newTestServices()
		createTestPipeline(t, s)
		build := createTestBuild(t, s)
		require.NoError(t, s.builds.Cancel(context.Background(), build.ID))

		err := s.builds.Cancel(context.Background(), build.ID)
		require.Error(t, err)
		require.IsType(t, &meta.ErrConflict{}, err)
		require.Contains(
			t,
			err.(*meta.ErrConflict).Reason,
			"cannot be cancelled",
		)
	})
}

func TestBuildsServiceGetByNumber(t *testing.T) {
	s := newTestServices()
	createTestPipeline(t, s)
	createTestBuild(t, s)
	second := createTestBuild(t, s)

	build, err := s.builds.GetByNumber(context.Background(), testPipelineID, 2)
	require.NoError(t, err)
	require.Equal(t, second.ID, build.ID)

	_, err = s.builds.GetByNumber(context.Background(), testPipelineID, 99)
	require.Error(t, err)
	require.IsType(t, &meta.ErrNotFound{}, errors.Cause(err))
}

func TestBuildsServiceList(t *testing.T) {
	s := newTestServices()
	createTestPipeline(t, s)
	first := createTestBuild(t, s)
	second := createTestBuild(t, s)
	require.NoError(t, s.builds.Cancel(context.Background(), first.ID))

	builds, err := s.builds.List(
		context.Background(),
		core.BuildsSelector{PipelineID: testPipelineID},
	)
	require.NoError(t, err)
	require.Len(t, builds.Items, 2)
	require.Equal(t, first.ID, builds.Items[0].ID)
	require.Equal(t, second.ID, builds.Items[1].ID)

	builds, err = s.builds.List(
		context.Background(),
		core.BuildsSelector{
			PipelineID: testPipelineID,
			Phases:     []core.BuildPhase{core.BuildPhaseCancelled},
		},
	)
	require.NoError(t, err)
	require.Len(t, builds.Items, 1)
	require.Equal(t, first.ID, builds.Items[0].ID)

	builds, err = s.builds.List(
		context.Background(),
		core.BuildsSelector{PipelineID: "some-other-pipeline"},
	)
	require.NoError(t, err)
	require.Empty(t, builds.Items)
}
