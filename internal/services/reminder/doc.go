// Package reminder owns the reminder lifecycle: validated creation, the
// minute-aligned due scan, and at-most-once delivery to the owner.
//
// # Delivery semantics
//
// A reminder row exists from creation until exactly one completed delivery
// attempt removes it; its presence is its only state. Workers delete the
// row after a send attempt completes with success or a terminal failure
// (recipient unreachable for good). Transient failures leave the row in
// place so a later scan picks it up again. The send attempt always
// happens-before the delete, so a crash in between degrades to at-least-once,
// never to a silently lost reminder.
//
// # Scan policy
//
// By default the scan is a range match: everything due at or before the
// current minute is delivered, so reminders survive missed ticks (process
// restarts, delayed timers). Setting catch_up to false narrows the scan to
// exact-minute equality, replicating the legacy behavior where a skipped
// minute silently drops the reminder.
package reminder
