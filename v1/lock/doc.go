// Package lock provides keyed mutual exclusion. Keyed is an in-process,
// reference-counted lock table whose entries exist only while a caller holds
// or waits for a key. Redis extends the same contract across processes and
// wakes waiters through a syncbus Bus.
package lock
