/*
Package audit records categorized audit rows and pre-action rollback
points.

Every logged action lands in the audit_log table. Actions that change
device state (config updates, restores, file isolation) additionally
persist a rollback point: a JSON snapshot of device state, plus a copy
of the affected file when the resource names one. Both the rows and the
rollback points are pruned after 90 days.
*/
package audit
