/*
Package anomaly detects abnormal system behavior locally.

An isolation forest is trained on past telemetry (or operator-provided
samples, or a synthetic quiet-host baseline when neither exists) and
scores the newest sample once a minute. Scores below the decision
boundary raise anomaly_detected events. Two heuristics run alongside the
model: a CPU spike check against the recent average and a memory leak
check on the usage trend. The trained model is persisted in a small bbolt
database under the data directory and retrained once the telemetry cache
outgrows the last training set by half.
*/
package anomaly
