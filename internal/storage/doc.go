// Package storage persists users and their daily quota, the media cache,
// the request log used for background discovery, and the activity log.
//
// The sqlite driver (modernc.org/sqlite, no cgo) is the default; the memory
// driver backs tests and throwaway runs.
package storage
