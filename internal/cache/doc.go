// Package cache implements the versioned asset cache: named generations of
// byte-exact request/response pairs keyed by (method, absolute URL). A
// generation is populated at install time from the asset manifest, warmed
// opportunistically by the fetch interceptor, and evicted as a whole when a
// newer generation activates. There is no per-entry expiry.
//
// Storage is pluggable through Backend. The disk backend lays entries out as
// StoragePath/assets/<generation>/<sha1(key)>.entry and writes them with
// temp file + rename so readers never observe a partial entry; the S3 backend
// stores the same encoding as one object per entry.
package cache
