// Package storage implements collections: time-indexed key-value stores
// kept in a multi-resolution segment hierarchy on the local filesystem.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│ Collection  │────▶│  Recovery   │────▶│   Segment   │
//	│  (point /   │     │     Log     │     │   (files,   │
//	│   batch)    │     └─────────────┘     │   merges)   │
//	└─────────────┘                         └─────────────┘
//	       │                                       ▲
//	       ▼                                       │
//	┌─────────────┐     ┌─────────────┐            │
//	│   Rollup    │────▶│ Task Queue  │────────────┘
//	│  Scheduler  │     │  (worker)   │
//	└─────────────┘     └─────────────┘
//
// A collection provides:
//   - Point reads and writes on caller goroutines, mediated by path locks
//   - Range queries merged across segments and files
//   - Batch mutations serialized through a single-consumer task queue
//   - Background rollups of quiet file ranges
//   - Crash recovery: every mutation is logged before it touches data files
//     and replayed on the next Open if it did not complete
package storage
