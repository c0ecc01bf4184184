package core_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/core/memory"
	"github.com/conveyorcd/conveyor/internal/lib/clock"
	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/stretchr/testify/require"
)

const (
	testPipelineID     = "hello-world"
	testMaxJobRequeues = 3
)

// testServices wires every service over shared in-memory stores, which is
// exactly how the orchestrator wires them with the default backend.
type testServices struct {
	pipelinesStore core.PipelinesStore
	buildsStore    core.BuildsStore
	agentsStore    core.AgentsStore
	clock          *clock.FakeClock
	events         core.EventsService
	pipelines      core.PipelinesService
	builds         core.BuildsService
	jobs           core.JobsService
	agents         core.AgentsService
	scheduler      core.SchedulerService
}

func newTestServices() *testServices {
	s := &testServices{
		pipelinesStore: memory.NewPipelinesStore(),
		buildsStore:    memory.NewBuildsStore(),
		agentsStore:    memory.NewAgentsStore(),
		clock: clock.NewFakeClock(
			time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC),
		),
	}
	s.events = core.NewEventsService(memory.NewEventsStore(), nil)
	s.pipelines = core.NewPipelinesService(s.pipelinesStore, s.events)
	s.builds = core.NewBuildsService(
		s.pipelinesStore,
		s.buildsStore,
		s.agentsStore,
		s.events,
	)
	s.jobs = core.NewJobsService(s.buildsStore, s.agentsStore, s.events)
	s.agents = core.NewAgentsService(s.agentsStore, s.events, s.clock)
	s.scheduler = core.NewSchedulerService(
		s.buildsStore,
		s.agentsStore,
		s.agents,
		s.events,
		testMaxJobRequeues,
	)
	return s
}

func testPipelineDefinitionBytes() []byte {
	return []byte(`
id: hello-world
spec:
  environment:
    CI: "true"
  triggers:
    - kind: manual
    - kind: push
      branch: main
  stages:
    - name: build
      jobs:
        - name: compile
          image: golang:1.15.5
          commands:
            - go build ./...
    - name: test
      needs:
        - build
      jobs:
        - name: unit
          image: golang:1.15.5
          commands:
            - go test ./...
          labels:
            os: linux
          environment:
            VERBOSE: "true"
`)
}

func createTestPipeline(t *testing.T, s *testServices) core.Pipeline {
	pipeline, err := s.pipelines.CreateFromBytes(
		context.Background(),
		testPipelineDefinitionBytes(),
	)
	require.NoError(t, err)
	return pipeline
}

func createTestBuild(t *testing.T, s *testServices) core.Build {
	build, err := s.builds.Create(
		context.Background(),
		testPipelineID,
		core.Trigger{Kind: core.TriggerKindManual, User: "tony"},
	)
	require.NoError(t, err)
	return build
}

// registerTestAgent registers an agent that satisfies every label the test
// pipeline's jobs require.
func registerTestAgent(
	t *testing.T,
	s *testServices,
	id string,
	capacity int,
) core.Agent {
	agent, err := s.agents.Register(
		context.Background(),
		id,
		map[string]string{"os": "linux"},
		capacity,
	)
	require.NoError(t, err)
	return agent
}

// dispatchTestBuild creates the test pipeline and a build of it, registers a
// single agent, and runs one scheduling pass so the build's first job is
// assigned.
func dispatchTestBuild(t *testing.T, s *testServices) core.Build {
	createTestPipeline(t, s)
	build := createTestBuild(t, s)
	registerTestAgent(t, s, "agent-a", 2)
	_, err := s.scheduler.Tick(context.Background())
	require.NoError(t, err)
	build, err = s.builds.Get(context.Background(), build.ID)
	require.NoError(t, err)
	return build
}

// findTestJob locates a job by stage and name. Job IDs are minted at build
// creation, so tests navigate by the names they declared.
func findTestJob(
	t *testing.T,
	build core.Build,
	stageName string,
	jobName string,
) core.Job {
	for _, stage := range build.Stages {
		if stage.Name != stageName {
			continue
		}
		for _, job := range stage.Jobs {
			if job.Name == jobName {
				return job
			}
		}
	}
	require.FailNow(
		t,
		"job not found",
		"no job %q in stage %q",
		jobName,
		stageName,
	)
	return core.Job{}
}

func requireEventKinds(
	t *testing.T,
	s *testServices,
	selector core.EventsSelector,
	expected ...core.EventKind,
) {
	events, err := s.events.List(
		context.Background(),
		selector,
		meta.ListOptions{},
	)
	require.NoError(t, err)
	var actual []core.EventKind
	for _, event := range events.Items {
		actual = append(actual, event.Kind)
	}
	require.Equal(t, expected, actual)
}

func requireAPIVersionAndType(
	t *testing.T,
	obj interface{},
	expectedType string,
) {
	objJSON, err := json.Marshal(obj)
	require.NoError(t, err)
	objMap := map[string]interface{}{}
	err = json.Unmarshal(objJSON, &objMap)
	require.NoError(t, err)
	require.Equal(t, meta.APIVersion, objMap["apiVersion"])
	require.Equal(t, expectedType, objMap["kind"])
}
