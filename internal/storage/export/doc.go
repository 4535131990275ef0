// Package export writes the records of a key range to Parquet files.
//
// The package provides:
//   - Writer/Reader for entity rows
//   - Export, which streams a collection range into a file in key order
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//
// Files are written through a temp file and renamed into place, so a
// reader never sees a partial export.
package export
