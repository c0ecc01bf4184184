package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/stretchr/testify/require"
)

func TestSchedulerServiceTick(t *testing.T) {
	t.Run("no agents leaves jobs pending", func(t *testing.T) {
		s := newTestServices()
		createTestPipeline(t, s)
		build := createTestBuild(t, s)

		assigned, err := s.scheduler.Tick(context.Background())
		require.NoError(t, err)
		require.Zero(t, assigned)

		build, err = s.builds.Get(context.Background(), build.ID)
		require.NoError(t, err)
		require.Equal(t, core.BuildPhasePending, build.Phase)
		compile := findTestJob(t, build, "build", "compile")
		require.Equal(t, core.JobPhasePending, compile.Phase)
	})

	t.Run("assigns a runnable job", func(t *testing.T) {
		s := newTestServices()
		createTestPipeline(t, s)
		build := createTestBuild(t, s)
		registerTestAgent(t, s, "agent-a", 2)

		assigned, err := s.scheduler.Tick(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, assigned)

		build, err = s.builds.Get(context.Background(), build.ID)
		require.NoError(t, err)
		require.Equal(t, core.BuildPhaseRunning, build.Phase)
		require.NotNil(t, build.Started)
		require.Equal(t, core.StagePhaseRunning, build.Stages[0].Phase)
		compile := findTestJob(t, build, "build", "compile")
		require.Equal(t, core.JobPhaseAssigned, compile.Phase)
		require.Equal(t, "agent-a", compile.AgentID)

		agent, err := s.agents.Get(context.Background(), "agent-a")
		require.NoError(t, err)
		require.Equal(t, 1, agent.Load)

		events, err := s.events.List(
			context.Background(),
			core.EventsSelector{BuildID: build.ID},
			meta.ListOptions{},
		)
		require.NoError(t, err)
		require.Len(t, events.Items, 3)
		require.Equal(t, core.EventKindBuildCreated, events.Items[0].Kind)
		require.Equal(t, core.EventKindBuildStarted, events.Items[1].Kind)
		require.Equal(t, core.EventKindJobAssigned, events.Items[2].Kind)
		require.Equal(t, compile.ID, events.Items[2].JobID)
		require.Equal(t, "agent-a", events.Items[2].AgentID)
		require.Equal(t, "build", events.Items[2].StageName)
	})

	t.Run("a second pass assigns nothing new", func(t *testing.T) {
		s := newTestServices()
		build := dispatchTestBuild(t, s)

		assigned, err := s.scheduler.Tick(context.Background())
		require.NoError(t, err)
		require.Zero(t, assigned)

		requireEventKinds(
			t,
			s,
			core.EventsSelector{BuildID: build.ID},
			core.EventKindBuildCreated,
			core.EventKindBuildStarted,
			core.EventKindJobAssigned,
		)
	})

	t.Run("a job no agent's labels satisfy stays pending", func(t *testing.T) {
		s := newTestServices()
		_, err := s.pipelines.CreateFromBytes(context.Background(), []byte(`
id: gpu-pipeline
spec:
  triggers:
    - kind: manual
  stages:
    - name: train
      jobs:
        - name: fit
          image: tensorflow/tensorflow:2.3.1
          labels:
            gpu: a100
          commands:
            - python train.py
`))
		require.NoError(t, err)
		build, err := s.builds.Create(
			context.Background(),
			"gpu-pipeline",
			core.Trigger{Kind: core.TriggerKindManual, User: "tony"},
		)
		require.NoError(t, err)
		registerTestAgent(t, s, "agent-a", 2)

		assigned, err := s.scheduler.Tick(context.Background())
		require.NoError(t, err)
		require.Zero(t, assigned)

		build, err = s.builds.Get(context.Background(), build.ID)
		require.NoError(t, err)
		require.Equal(t, core.BuildPhasePending, build.Phase)
		require.Equal(t, core.StagePhaseRunnable, build.Stages[0].Phase)
		require.Equal(
			t,
			core.JobPhasePending,
			build.Stages[0].Jobs[0].Phase,
		)
	})

	t.Run("exhausted capacity leaves the remainder pending",
		func(t *testing.T) {
			s := newTestServices()
			_, err := s.pipelines.CreateFromBytes(
				context.Background(),
				[]byte(`
id: fan-out
spec:
  triggers:
    - kind: manual
  stages:
    - name: verify
      jobs:
        - name: one
          image: golang:1.15.5
          commands:
            - go vet ./...
        - name: two
          image: golang:1.15.5
          commands:
            - go test ./...
`),
			)
			require.NoError(t, err)
			build, err := s.builds.Create(
				context.Background(),
				"fan-out",
				core.Trigger{Kind: core.TriggerKindManual, User: "tony"},
			)
			require.NoError(t, err)
			registerTestAgent(t, s, "agent-a", 1)

			assigned, err := s.scheduler.Tick(context.Background())
			require.NoError(t, err)
			require.Equal(t, 1, assigned)

			// Jobs are offered in declaration order, so the slot goes to the
			// first job and its sibling waits for capacity.
			build, err = s.builds.Get(context.Background(), build.ID)
			require.NoError(t, err)
			one := findTestJob(t, build, "verify", "one")
			two := findTestJob(t, build, "verify", "two")
			require.Equal(t, core.JobPhaseAssigned, one.Phase)
			require.Equal(t, core.JobPhasePending, two.Phase)

			assigned, err = s.scheduler.Tick(context.Background())
			require.NoError(t, err)
			require.Zero(t, assigned)

			err = s.jobs.ReportOutcome(
				context.Background(),
				one.ID,
				core.JobOutcome{
					Phase:    core.JobPhaseSucceeded,
					ExitCode: intPtr(0),
				},
			)
			require.NoError(t, err)

			assigned, err = s.scheduler.Tick(context.Background())
			require.NoError(t, err)
			require.Equal(t, 1, assigned)
			two, err = s.jobs.Get(context.Background(), two.ID)
			require.NoError(t, err)
			require.Equal(t, core.JobPhaseAssigned, two.Phase)
		})
}

func TestSchedulerServiceRequeueAgentJobs(t *testing.T) {
	t.Run("agent holds no jobs", func(t *testing.T) {
		s := newTestServices()
		createTestPipeline(t, s)
		createTestBuild(t, s)

		requeued, err := s.scheduler.RequeueAgentJobs(
			context.Background(),
			"agent-a",
		)
		require.NoError(t, err)
		require.Zero(t, requeued)
	})

	t.Run("returns the agent's running job to pending", func(t *testing.T) {
		s := newTestServices()
		build := dispatchTestBuild(t, s)
		compile := findTestJob(t, build, "build", "compile")
		require.NoError(t, s.jobs.Start(context.Background(), compile.ID))

		requeued, err := s.scheduler.RequeueAgentJobs(
			context.Background(),
			"agent-a",
		)
		require.NoError(t, err)
		require.Equal(t, 1, requeued)

		job, err := s.jobs.Get(context.Background(), compile.ID)
		require.NoError(t, err)
		require.Equal(t, core.JobPhasePending, job.Phase)
		require.Empty(t, job.AgentID)
		require.Equal(t, 1, job.Requeues)
		require.Nil(t, job.Started)

		// The build keeps running; only the job's progress is discarded.
		build, err = s.builds.Get(context.Background(), build.ID)
		require.NoError(t, err)
		require.Equal(t, core.BuildPhaseRunning, build.Phase)

		events, err := s.events.List(
			context.Background(),
			core.EventsSelector{
				Kinds:   []core.EventKind{core.EventKindJobRequeued},
				BuildID: build.ID,
			},
			meta.ListOptions{},
		)
		require.NoError(t, err)
		require.Len(t, events.Items, 1)
		require.Equal(t, compile.ID, events.Items[0].JobID)
		require.Equal(t, "agent-a", events.Items[0].AgentID)
	})

	t.Run("spent requeue budget fails the job", func(t *testing.T) {
		s := newTestServices()
		createTestPipeline(t, s)
		build := createTestBuild(t, s)
		compile := findTestJob(t, build, "build", "compile")
		registerTestAgent(t, s, "agent-a", 99)

		for i := 1; i <= testMaxJobRequeues; i++ {
			_, err := s.scheduler.Tick(context.Background())
			require.NoError(t, err)
			requeued, err := s.scheduler.RequeueAgentJobs(
				context.Background(),
				"agent-a",
			)
			require.NoError(t, err)
			require.Equal(t, 1, requeued)
			job, err := s.jobs.Get(context.Background(), compile.ID)
			require.NoError(t, err)
			require.Equal(t, core.JobPhasePending, job.Phase)
			require.Equal(t, i, job.Requeues)
		}

		_, err := s.scheduler.Tick(context.Background())
		require.NoError(t, err)
		requeued, err := s.scheduler.RequeueAgentJobs(
			context.Background(),
			"agent-a",
		)
		require.NoError(t, err)
		require.Zero(t, requeued)

		job, err := s.jobs.Get(context.Background(), compile.ID)
		require.NoError(t, err)
		require.Equal(t, core.JobPhaseFailed, job.Phase)
		require.NotNil(t, job.Ended)

		build, err = s.builds.Get(context.Background(), build.ID)
		require.NoError(t, err)
		require.Equal(t, core.BuildPhaseFailed, build.Phase)
		require.Equal(t, core.StagePhaseFailed, build.Stages[0].Phase)
		require.Equal(t, core.StagePhaseSkipped, build.Stages[1].Phase)

		events, err := s.events.List(
			context.Background(),
			core.EventsSelector{
				Kinds: []core.EventKind{
					core.EventKindJobFailed,
					core.EventKindBuildCompleted,
				},
				BuildID: build.ID,
			},
			meta.ListOptions{},
		)
		require.NoError(t, err)
		require.Len(t, events.Items, 2)
		require.Equal(t, core.EventKindJobFailed, events.Items[0].Kind)
		require.Equal(
			t,
			"agent disconnected and the requeue limit was reached",
			events.Items[0].Reason,
		)
		require.Equal(t, core.EventKindBuildCompleted, events.Items[1].Kind)
		require.Equal(
			t,
			string(core.BuildPhaseFailed),
			events.Items[1].Phase,
		)
	})
}

// TestSchedulerServiceDisconnectRecovery walks the failure recovery path end
// to end: an agent goes silent, the sweep disconnects it, its job is
// requeued, and a healthy agent picks the job up.
func TestSchedulerServiceDisconnectRecovery(t *testing.T) {
	s := newTestServices()
	build := dispatchTestBuild(t, s)
	compile := findTestJob(t, build, "build", "compile")
	require.Equal(t, "agent-a", compile.AgentID)

	s.clock.Advance(testHeartbeatTimeout + time.Second)
	swept, err := s.agents.SweepDead(
		context.Background(),
		testHeartbeatTimeout,
	)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	require.Equal(t, "agent-a", swept[0].ID)

	requeued, err := s.scheduler.RequeueAgentJobs(
		context.Background(),
		"agent-a",
	)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)

	registerTestAgent(t, s, "agent-b", 2)
	assigned, err := s.scheduler.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, assigned)

	job, err := s.jobs.Get(context.Background(), compile.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobPhaseAssigned, job.Phase)
	require.Equal(t, "agent-b", job.AgentID)
	require.Equal(t, 1, job.Requeues)

	requireEventKinds(
		t,
		s,
		core.EventsSelector{BuildID: build.ID},
		core.EventKindBuildCreated,
		core.EventKindBuildStarted,
		core.EventKindJobAssigned,
		core.EventKindJobRequeued,
		core.EventKindJobAssigned,
	)
}
