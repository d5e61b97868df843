/*
Package watcher detects ransomware-like activity on the host.

Two observers feed the store. The file watcher streams fsnotify events
from the configured paths into a sliding five-minute window and raises
ransomware_detection events when per-minute operation rates cross the
heuristics' thresholds: mass operations, mass renames, bursts of
suspicious extensions, encryption-style filenames, and rapid
modifications. The process observer scans running processes every thirty
seconds for suspicious names and runaway CPU consumption.
*/
package watcher
