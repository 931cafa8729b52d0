// internal/status/constants.go
package status

// Controller connectivity health codes.
// These values are published to metrics and MUST NOT be renumbered.

// HealthUnknown represents a controller that has not been polled yet.
const HealthUnknown uint16 = 0

// HealthOK represents a connected controller.
const HealthOK uint16 = 1

// HealthError represents a disconnected or unreachable controller.
const HealthError uint16 = 2
