// Package notify delivers the single user-visible message produced when a
// chat operation fails. Routing and presentation belong to the embedding
// application; this package only defines the boundary and a few simple
// implementations.
package notify
