// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Key: tagged variant addressing a record (point in time, time range, untimed id)
//   - Range: inclusive [Start, End] interval of grouping numbers, named "{start}_{end}" on disk
//   - Entity: an immutable (key, value bytes) pair as persisted in a data file
package types
