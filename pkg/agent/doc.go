/*
Package agent is the coordinator. It wires every subsystem to the one
embedded store, registers the device, runs the subsystem loops under a
shared context, and gives them a short grace period on shutdown.
Subsystems never call each other; everything they exchange flows
through store rows.
*/
package agent
