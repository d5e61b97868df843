/*
Package sync drains the offline queue to the backend.

Each cycle gates on the backend health endpoint, then ships telemetry
and security events in batches of 50, command results one at a time,
and backup artifacts as signed-URL PUTs. Delivered items are marked
completed; failures go to failed and are requeued by the retry sweep
the worker runs at the start of every cycle, alongside queue and audit
retention pruning. Consecutive unreachable cycles back the retry delay
off to five minutes.
*/
package sync
