// Package stores persists the state of a management plane in SQLite: one
// row per deployment, the latest record of every node, an append-only log
// of sensor events and the adjunct attachment failures.
//
// SQLiteStore implements entity.Journal and blueprint.Recorder, so it can be
// handed directly to a Manager and an Interpreter. SensorRecorder observes a
// sensor bus and writes its events in batches.
package stores
