// Package domain holds the scheduling data model shared by the store, the
// misfire resolver, the firing loop and the dispatcher: triggers, work items
// and the ephemeral fire records created for each execution.
package domain
