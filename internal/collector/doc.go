// Package collector is a development collector that speaks the tendrl wire
// protocol, so the client can be run end to end without the hosted service.
//
// Receiver implements wire.CollectorServer. PublishBatch rejects messages
// without an id or data with codes.InvalidArgument and otherwise records
// them in the Store. CheckMessages serves messages queued with Push. SetOutage
// makes every call fail with codes.Unavailable to simulate a collector
// outage. Authentication is enforced upstream by APIKeyInterceptor.
//
// AgentServer serves the same Receiver over the framed Unix-socket protocol
// of the agent transport, so it can stand in for a local agent.
package collector
