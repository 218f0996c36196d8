// Package scope implements the sandboxed global a script sees.
//
// A State belongs to one script context and outlives individual executions.
// Each execution gets a Sandbox built from it: a goja.DynamicObject that
// resolves names through four layers, first match wins:
//
//  1. transient, values scoped to this execution and the one-shot "$"
//  2. context, properties the script wrote plus its granted capabilities
//  3. host, the page snapshot (self names, bound methods, accessors, on* handlers)
//  4. live, anything else the true global has, read only
//
// Writes no layer claims become own properties of the context, so they never
// reach the page. Assigning a function to a virtualized on<event> property
// installs exactly one real listener that calls the handler with the sandbox as
// receiver.
//
// Scripts reach the sandbox through a wrapper that consumes "$" once:
//
//	(function () { with (this.$) { return (function () { BODY }).call(this); } })
//
// An identifier no layer knows raises a ReferenceError. A sloppy-mode assignment
// to such an identifier is not intercepted and lands on the true global.
package scope
