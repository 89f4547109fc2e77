// Package spawn keeps groups of on-demand resource pairs in shape.
//
// A Group binds a template resource to a display name. A member entering the
// template gets a freshly cloned primary resource plus a hidden companion,
// named "<display name> <n>". When the last member leaves a spawned primary
// the pair is torn down. After every structural change the live pairs of the
// group are renamed so that, ordered by position, they are numbered 1..N.
//
// Router serializes work per resource key through a lock.Locker, Reconciler
// implements the join and leave halves plus the renumbering pass, and
// Manager exposes the management operations on groups and role links.
package spawn
