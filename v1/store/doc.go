// Package store persists dynamic groups, the pairs spawned for them and the
// role links applied to members of a resource.
//
// A Group binds a template resource to the base name of its pairs. A Pair is
// keyed by its primary resource and records its owning group and companion
// resource. Lookups report absence through their boolean result, never as
// an error; errors mean the backend could not be reached and the caller
// should abandon its current operation.
//
// Backends:
//   - InMemory: maps guarded by a RWMutex, for tests and single-node use
//   - Redis: JSON records plus index sets, shareable between nodes
//   - Gorm: three flat SQL tables
//
// Cached wraps any backend with a ristretto read-through cache for the two
// lookups performed on every membership transition.
package store
