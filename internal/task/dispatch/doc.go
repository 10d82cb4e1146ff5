// Package dispatch is the fixed-size execution pool fires are handed to.
//
// Submit never blocks: a fire is either accepted onto a free slot or
// rejected with ErrNoCapacity, and the caller releases the trigger back to the
// store. Completion is reported through Hooks.Complete on the slot before the
// slot is freed.
package dispatch
