// Package aggregates defines the write boundaries of the notification engine.
//
// An aggregate owns its transaction. Callers hand it a decision input and get
// back a result describing what changed; everything between the first read and
// the commit happens atomically.
package aggregates
