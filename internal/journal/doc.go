// Package journal records sync activity to SQLite so a session can be
// inspected and replayed offline.
//
// A Recorder is a collection.Observer. Every input a Store processes is
// written as one row of the events table:
//   - snapshots, with the applied records in cache order
//   - change events and mutation responses, with their wire record
//   - inputs that were buffered, dropped or discarded, without a record
//
// # Ordering
//
// Rows are ordered by seq, a logical clock owned by the Recorder, never by
// wall time. seq continues across sessions of one file.
//
// # Replay
//
// Replay feeds the recorded snapshots and changes of one collection through
// a collection.Reducer and compares every outcome with the recorded one. A
// journal written by a healthy process replays without mismatches.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - 5-second busy timeout
//   - foreign keys enforced
package journal
