// Package slot implements the tri-state slot used by internal/slotpool to
// track a single reusable resource.
//
// A slot moves between three states guarded entirely by atomic
// compare-and-swap: AVAILABLE (sitting idle, safe to claim), CLAIMED (held by
// exactly one caller), and DISPOSED (its value is gone, the index is waiting
// to be recycled). No slot ever holds a mutex; every transition is a single
// CAS on the state field, and callers that lose a CAS race retry or back off
// rather than block.
package slot
