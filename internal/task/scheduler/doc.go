// Package scheduler is the engine context: it owns the firing loop, wires the
// trigger store to the dispatcher and the listener bus, and exposes the
// administrative surface.
//
// The loop is the single writer of the "what fires next" decision for this
// instance. It never executes work inline: it acquires due triggers, applies
// the misfire policy, and hands fires to the dispatcher. When the dispatcher
// has no free slot the trigger is released back to the store instead of
// queueing in the loop.
package scheduler
