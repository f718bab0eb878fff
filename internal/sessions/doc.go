// Package sessions stores conversations and runs chat turns.
//
// A turn records the user message, then a processor streams model steps
// into parts of a single assistant message, running requested tools under
// the permission engine until the model stops. Every mutation is persisted
// through a Store and published on the bus.
package sessions
