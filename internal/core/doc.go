// Package core provides the internal implementation of the slotpool testing framework.
//
// The primary types are:
//   - [Manager]: state machine with two-phase initialization (NewManagerWithConfig / Initialize),
//     cached template validation, and parallel shutdown with drain timeout.
//   - [Pool]: bounded collection of instances, built on the lock-light slotpool engine,
//     with on-demand creation, blocking acquire when exhausted, and double-release detection.
//   - [Instance]: lazy-started SQLite fixture database wrapper with atomic state transitions,
//     startup retry, and configurable row cleanup on release.
//   - [ManagerConfig] and [InstanceConfig]: validated, immutable configuration structs
//     that control timeouts, pool size, release strategy, and data paths.
package core
