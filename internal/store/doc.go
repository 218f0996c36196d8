// Package store defines the value store contract and ships an in-memory adapter.
//
// Values are kept as JSON documents so every read hands out a fresh copy. A write
// is tagged with the run flag of the context that made it; subscribers compare
// that flag with their own to decide whether a change is remote.
package store
