/*
Package config loads and persists the agent's YAML configuration.

The file is a two-level map of sections to string values, typed at read
time through Get/GetInt/GetFloat/GetBool/GetSeconds. Set writes through to
disk immediately, which is how remotely pushed config updates survive a
restart. DeviceID and EncryptionKey generate themselves on first use and
are persisted alongside operator-provided settings.
*/
package config
