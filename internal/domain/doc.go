// Package domain defines the durable data model shared by the message
// pipeline, lead rule engine, campaign orchestrator, journey state machine,
// and attribution/analytics engines. Every row is scoped to an
// organization; all timestamps are UTC instants.
package domain
