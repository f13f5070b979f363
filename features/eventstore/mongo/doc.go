// Package mongo registers MongoDB-backed session event log storage.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain an eventstore.Store that persists append-only session events.
package mongo
