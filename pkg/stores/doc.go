// Package stores provides the SQLite persistence layer for fleetplay.
// It records play history, per-host task results, the event log, gathered
// facts (which also hold the host inventory) and the audit trail. Schema
// changes ship as embedded golang-migrate migrations.
package stores
