package main

import (
	"log"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/core/memory"
	coreMongodb "github.com/conveyorcd/conveyor/internal/core/mongodb"
	eventsAMQP "github.com/conveyorcd/conveyor/internal/events/amqp"
	"github.com/conveyorcd/conveyor/internal/lib/clock"
	queueAMQP "github.com/conveyorcd/conveyor/internal/lib/queue/amqp"
	"github.com/conveyorcd/conveyor/internal/signals"
	"github.com/conveyorcd/conveyor/internal/version"
)

func main() {
	log.Printf(
		"Starting Conveyor Orchestrator -- version %s -- commit %s",
		version.Version(),
		version.Commit(),
	)

	config, err := GetConfigFromEnvironment()
	if err != nil {
		log.Fatal(err)
	}

	// Stores
	var agentsStore core.AgentsStore
	var buildsStore core.BuildsStore
	var eventsStore core.EventsStore
	if config.StoreBackend == StoreBackendMongoDB {
		database, err := coreMongodb.Database()
		if err != nil {
			log.Fatal(err)
		}
		if agentsStore, err = coreMongodb.NewAgentsStore(database); err != nil {
			log.Fatal(err)
		}
		if buildsStore, err = coreMongodb.NewBuildsStore(database); err != nil {
			log.Fatal(err)
		}
		if eventsStore, err = coreMongodb.NewEventsStore(database); err != nil {
			log.Fatal(err)
		}
	} else {
		agentsStore = memory.NewAgentsStore()
		buildsStore = memory.NewBuildsStore()
		eventsStore = memory.NewEventsStore()
	}

	// Events sink, if a broker is configured
	var eventsSink core.EventsSink
	if config.AMQPAddress != "" {
		queueWriterFactory, err := queueAMQP.NewWriterFactory(
			config.AMQPAddress,
			config.AMQPUsername,
			config.AMQPPassword,
		)
		if err != nil {
			log.Fatal(err)
		}
		eventsSink = eventsAMQP.NewEventsSink(
			queueWriterFactory,
			config.EventsQueueName,
		)
	}

	clck := clock.NewRealClock()

	// Services
	eventsService := core.NewEventsService(eventsStore, eventsSink)
	agentsService := core.NewAgentsService(agentsStore, eventsService, clck)
	schedulerService := core.NewSchedulerService(
		buildsStore,
		agentsStore,
		agentsService,
		eventsService,
		config.MaxJobRequeues,
	)

	orchestrator := NewOrchestrator(
		config,
		agentsService,
		schedulerService,
		eventsService,
		clck,
	)

	log.Println(orchestrator.Run(signals.Context()))
}
