/*
Package registration enrolls the device with the Protekt backend.

Enrollment is offline-first: when the backend cannot be reached the device
registers locally, drops an offline marker in the data directory, and the
next startup retries. Credentials assigned by the backend are written back
into the configuration file.
*/
package registration
