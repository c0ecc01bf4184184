package core

// nolint: lll
var pipelineSchemaBytes = []byte(`
{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"$id": "github.com/conveyorcd/conveyor/pipeline.schema.json",

	"definitions": {

		"identifier": {
			"type": "string",
			"pattern": "^\\w[\\w-]*$",
			"minLength": 3,
			"maxLength": 50
		},

		"name": {
			"type": "string",
			"pattern": "^\\w[\\w-]*$",
			"minLength": 1,
			"maxLength": 63
		},

		"environment": {
			"type": [ "object", "null" ],
			"description": "A map of environment variables",
			"additionalProperties": { "type": "string" }
		},

		"job": {
			"type": "object",
			"description": "A single schedulable unit of work",
			"required": ["name", "image", "commands"],
			"additionalProperties": false,
			"properties": {
				"name": {
					"allOf": [{ "$ref": "#/definitions/name" }],
					"description": "The job's name, unique within its stage"
				},
				"image": {
					"type": "string",
					"minLength": 1,
					"description": "A URI for an OCI image"
				},
				"commands": {
					"type": "array",
					"minItems": 1,
					"description": "Commands executed, in order, inside the image",
					"items": {
						"type": "string",
						"minLength": 1
					}
				},
				"labels": {
					"type": [ "object", "null" ],
					"description": "Capabilities an agent must advertise to run this job",
					"additionalProperties": { "type": "string" }
				},
				"environment": { "$ref": "#/definitions/environment" }
			}
		},

		"stage": {
			"type": "object",
			"description": "A named group of jobs that run in parallel",
			"required": ["name", "jobs"],
			"additionalProperties": false,
			"properties": {
				"name": {
					"allOf": [{ "$ref": "#/definitions/name" }],
					"description": "The stage's name, unique within the pipeline"
				},
				"needs": {
					"type": [ "array", "null" ],
					"description": "Names of stages that must succeed before this stage may run",
					"items": { "$ref": "#/definitions/name" }
				},
				"jobs": {
					"type": "array",
					"minItems": 1,
					"description": "The stage's job definitions",
					"items": { "$ref": "#/definitions/job" }
				}
			}
		},

		"trigger": {
			"type": "object",
			"description": "One way the pipeline may be triggered",
			"required": ["kind"],
			"additionalProperties": false,
			"properties": {
				"kind": {
					"type": "string",
					"description": "The kind of external event this trigger reacts to",
					"enum": [ "manual", "push", "pull_request", "schedule", "api", "webhook" ]
				},
				"cron": {
					"type": "string",
					"description": "A five-field cron expression; required when kind is schedule"
				},
				"branch": {
					"type": "string",
					"description": "Restricts push and pull_request triggers to a branch"
				},
				"source": {
					"type": "string",
					"description": "Restricts webhook triggers to a named source system"
				}
			}
		}

	},

	"title": "Pipeline",
	"type": "object",
	"required": ["spec"],
	"additionalProperties": false,
	"properties": {
		"id": {
			"allOf": [{ "$ref": "#/definitions/identifier" }],
			"description": "A meaningful identifier for the pipeline"
		},
		"spec": {
			"type": "object",
			"description": "The substance of the pipeline",
			"required": ["stages", "triggers"],
			"additionalProperties": false,
			"properties": {
				"stages": {
					"type": "array",
					"minItems": 1,
					"description": "The pipeline's stage definitions, in declaration order",
					"items": { "$ref": "#/definitions/stage" }
				},
				"triggers": {
					"type": "array",
					"minItems": 1,
					"description": "The kinds of external events that may create builds",
					"items": { "$ref": "#/definitions/trigger" }
				},
				"environment": { "$ref": "#/definitions/environment" }
			}
		}
	}
}
`)
