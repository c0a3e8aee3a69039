// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/pulse/pulse/state/indexer"
	"github.com/hashicorp/pulse/pulse/structs"
)

const (
	tableIndex = "index"

	// TableTriggers persists trigger definitions.
	TableTriggers = "scheduled_triggers"

	// TableRuns persists per-execution run records.
	TableRuns = "scheduled_jobs"

	// TableLeases persists distributed execution leases. Uniqueness of
	// (resource_type, resource_id) lives here.
	TableLeases = "execution_locks"

	// TableHeartbeats is the append-only agent heartbeat series.
	TableHeartbeats = "telemetry_heartbeats_ts"

	// TableMetrics is the general metrics series.
	TableMetrics = "telemetry_metrics_ts"

	// TableUptimeLogs persists up/down/maintenance sessions.
	TableUptimeLogs = "telemetry_uptime_logs"

	// TableHealthStatus holds the current derived health per agent.
	TableHealthStatus = "telemetry_health_status"
)

const (
	indexID        = "id"
	indexStatus    = "status"
	indexDue       = "due"
	indexOrg       = "org"
	indexKind      = "kind"
	indexDeps      = "dependency"
	indexTrigger   = "trigger"
	indexRetry     = "retry"
	indexEnded     = "ended"
	indexScheduled = "trigger_scheduled"
	indexResource  = "resource"
	indexExpires   = "expires"
	indexWorker    = "worker"
	indexAgentTime = "agent_time"
	indexAgentSeq  = "agent_seq"
	indexTime      = "time"
	indexActive    = "agent_active"
	indexHeartbeat = "heartbeat"
)

// stateStoreSchema assembles the full memdb schema, panicking on
// duplicate table registration to catch wiring mistakes at startup.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	factories := []func() *memdb.TableSchema{
		indexTableSchema,
		triggerTableSchema,
		runTableSchema,
		leaseTableSchema,
		heartbeatTableSchema,
		metricsTableSchema,
		uptimeLogTableSchema,
		healthStatusTableSchema,
	}

	for _, fn := range factories {
		schema := fn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic(fmt.Sprintf("duplicate table name: %s", schema.Name))
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// IndexEntry keeps a per-table write index so readers can tell whether
// a table changed between observations.
type IndexEntry struct {
	Key   string
	Value uint64
}

func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

func triggerTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableTriggers,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.UUIDFieldIndex{Field: "ID"},
			},

			indexStatus: {
				Name:         indexStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "Status"},
			},

			// due orders clock-driven triggers by fire instant within a
			// status. Triggers with a null next_fire_at are absent.
			indexDue: {
				Name:         indexDue,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Status"},
						&indexer.TimeFieldIndex{Field: "NextFireAt"},
					},
				},
			},

			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "OrganizationID"},
						&memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},

			// kind serves the event and webhook fan-out paths, which
			// select triggers by kind rather than by fire instant.
			indexKind: {
				Name:         indexKind,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Kind"},
						&indexer.TimeFieldIndex{Field: "NextFireAt", AllowZero: true},
					},
				},
			},

			// dependency finds the triggers watching a given upstream
			// trigger id.
			indexDeps: {
				Name:         indexDeps,
				AllowMissing: true,
				Unique:       false,
				Indexer:      &memdb.StringSliceFieldIndex{Field: "DependencyTriggerIDs"},
			},
		},
	}
}

func runTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableRuns,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.UUIDFieldIndex{Field: "ID"},
			},

			indexTrigger: {
				Name:         indexTrigger,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.UUIDFieldIndex{Field: "TriggerID"},
			},

			indexStatus: {
				Name:         indexStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "Status"},
			},

			// retry orders runs awaiting their next attempt.
			indexRetry: {
				Name:         indexRetry,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Status"},
						&indexer.TimeFieldIndex{Field: "NextRetryAt"},
					},
				},
			},

			// trigger_scheduled backs the one-non-failed-run-per-fire
			// invariant.
			indexScheduled: {
				Name:         indexScheduled,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.UUIDFieldIndex{Field: "TriggerID"},
						&indexer.TimeFieldIndex{Field: "ScheduledFor"},
					},
				},
			},

			// ended lets retention sweeps find old finished runs.
			indexEnded: {
				Name:         indexEnded,
				AllowMissing: true,
				Unique:       false,
				Indexer:      &indexer.TimeFieldIndex{Field: "EndedAt"},
			},
		},
	}
}

func leaseTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableLeases,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.UUIDFieldIndex{Field: "ID"},
			},

			// resource is the mutual exclusion key. Unique: a second
			// non-expired lease for the same resource must lose.
			indexResource: {
				Name:         indexResource,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "ResourceType"},
						&memdb.StringFieldIndex{Field: "ResourceID"},
					},
				},
			},

			indexExpires: {
				Name:         indexExpires,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &indexer.TimeFieldIndex{Field: "ExpiresAt"},
			},

			indexWorker: {
				Name:         indexWorker,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "WorkerID"},
			},
		},
	}
}

func heartbeatTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableHeartbeats,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.UUIDFieldIndex{Field: "ID"},
			},

			indexAgentTime: {
				Name:         indexAgentTime,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "AgentID"},
						&indexer.TimeFieldIndex{Field: "Timestamp", AllowZero: true},
					},
				},
			},

			// agent_seq finds the head sequence number per agent.
			indexAgentSeq: {
				Name:         indexAgentSeq,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "AgentID"},
						&memdb.UintFieldIndex{Field: "Sequence"},
					},
				},
			},

			indexTime: {
				Name:         indexTime,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &indexer.TimeFieldIndex{Field: "Timestamp", AllowZero: true},
			},
		},
	}
}

func metricsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableMetrics,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.UUIDFieldIndex{Field: "ID"},
			},

			indexAgentTime: {
				Name:         indexAgentTime,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "AgentID"},
						&indexer.TimeFieldIndex{Field: "Timestamp", AllowZero: true},
					},
				},
			},

			indexTime: {
				Name:         indexTime,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &indexer.TimeFieldIndex{Field: "Timestamp", AllowZero: true},
			},
		},
	}
}

func uptimeLogTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableUptimeLogs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.UUIDFieldIndex{Field: "ID"},
			},

			indexAgentTime: {
				Name:         indexAgentTime,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "AgentID"},
						&indexer.TimeFieldIndex{Field: "StartedAt"},
					},
				},
			},

			// agent_active locates the single open session per agent.
			indexActive: {
				Name:         indexActive,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "AgentID"},
						&memdb.ConditionalIndex{
							Conditional: func(obj any) (bool, error) {
								s, ok := obj.(*structs.UptimeSession)
								if !ok {
									return false, fmt.Errorf("unexpected type %T in uptime log table", obj)
								}
								return s.IsActive, nil
							},
						},
					},
				},
			},

			indexEnded: {
				Name:         indexEnded,
				AllowMissing: true,
				Unique:       false,
				Indexer:      &indexer.TimeFieldIndex{Field: "EndedAt"},
			},
		},
	}
}

func healthStatusTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableHealthStatus,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "AgentID"},
			},

			indexStatus: {
				Name:         indexStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "Status"},
			},

			// heartbeat orders agents by last contact, oldest first,
			// for the offline monitor.
			indexHeartbeat: {
				Name:         indexHeartbeat,
				AllowMissing: true,
				Unique:       false,
				Indexer:      &indexer.TimeFieldIndex{Field: "LastHeartbeatAt"},
			},
		},
	}
}
