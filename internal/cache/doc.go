// Package cache defines the versioned bucket store behind the offline cache
// manager. A bucket is a named set of request-key to response snapshots that
// is created at install time, read during fetch interception and removed as a
// whole once a newer version activates. Entries are never evicted one by one.
// The disk backend writes via temp file + rename; memory, Valkey and S3
// backends share the same JSON record encoding so buckets stay portable.
package cache
