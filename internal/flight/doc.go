// Package flight provides a per-key ownership gate.
//
// A Gate lets at most one caller hold a given key. Holding is represented by
// an explicit *Token rather than ambient state, so code that needs the key
// held takes the token as a parameter and independent keys never contend.
// A second acquire of a held key fails immediately with ErrBusy.
package flight
