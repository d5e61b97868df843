/*
Package backup creates and restores encrypted backup archives.

A backup is a gzip-compressed tar of the requested paths, sealed with
AES-256-GCM under a key derived from the configured key material, with
the SHA-256 of the ciphertext recorded for integrity. Created backups are
queued for signed-URL upload; uploaded backups past the retention window
are swept hourly. Restores verify the checksum before decrypting and
refuse archives that fail it.
*/
package backup
