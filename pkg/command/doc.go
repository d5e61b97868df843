/*
Package command executes backend-issued remote commands.

The processor polls the backend on an interval, records each command id
before executing so re-delivered commands run exactly once, and reports
results back. When the backend is unreachable, results land on the
offline queue and are drained on later poll cycles.
*/
package command
