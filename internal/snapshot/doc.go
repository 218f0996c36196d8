// Package snapshot classifies a page's globals once so sandboxes can reuse them.
//
// The classification is driven by a declarative table of host globals rather
// than by enumerating whatever the page happens to expose. Each row is checked
// against the live property descriptor, found on the global or its prototypes
// but never on Object.prototype, and captured as:
//
//   - a method pre-bound to the true global,
//   - an accessor pair pre-bound to the true global,
//   - an on<event> handler that each context virtualizes,
//   - a self reference, or
//   - a pass-through value read live.
//
// A Snapshot is read-only. Builder makes sure one page is only inspected once.
package snapshot
