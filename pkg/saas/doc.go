/*
Package saas is the HTTP client for the Protekt backend.

It covers the full device API surface: enrollment, heartbeats, batched
telemetry and security event delivery, command polling, command results,
the health probe, and signed-URL backup uploads. Authentication is a
bearer API key on every call except signed uploads.
*/
package saas
