// Package pebblestore wraps Pebble with fsync policy and small helpers.
// All durable Conveyor state lives in one keyspace so that related mutations
// (task record + lane entry + counter) can commit in a single atomic batch.
package pebblestore
