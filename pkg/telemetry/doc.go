/*
Package telemetry samples the host on the heartbeat interval.

Each sample is cached locally, checked against the configured CPU, memory,
and disk thresholds, and delivered to the backend as a heartbeat. When the
backend is unreachable the full snapshot goes onto the offline queue
instead, so no observation window is lost.
*/
package telemetry
