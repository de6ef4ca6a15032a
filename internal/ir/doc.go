// Package ir provides the internal representation of synchronized records.
//
// This package contains the foundation types only. All other internal
// packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float values - prices and counters are whole numbers (int64)
//   - Record identity is an opaque string assigned by the server
//   - Relations are a sealed sum type: bare id(s) or expanded record(s)
//   - JSON keys stay snake_case, exactly as they appear on the wire
package ir
