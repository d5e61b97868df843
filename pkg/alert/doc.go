/*
Package alert renders and delivers human-readable notifications.

Every minute the dispatcher scans the last hour of unresolved security
events and notable command executions, renders each through a per-type
template (falling back to a default format when a template or variable
is missing), and pushes the message to the configured webhook and SMTP
channels. A per-type-and-severity cooldown suppresses repeats, and
alerted events are marked resolved. Delivery is best effort; transport
failures never block the scan.
*/
package alert
