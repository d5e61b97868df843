/*
Package types defines the shared data model of the Protekt agent.

Every persistent entity the agent tracks lives here: the device
registration, the durable offline queue, cached telemetry samples, security
events, backup records, command history, and audit entries. Subsystems
communicate only by writing and reading these records through pkg/storage;
there is no in-memory channel between them, which is what lets the agent
survive arbitrary offline periods and restarts without losing observations.

Enumerations are string-typed constants so that rows remain readable when
inspected directly in the store and stable across versions of the agent.
*/
package types
