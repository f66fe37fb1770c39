// Package session owns the engine's outer loop: submissions come in on a
// queue, exactly one task runs at a time, and every observable effect
// leaves as an ordered event stream. All mutable conversation state lives
// here, behind the actor; the task runner only sees the narrow Host
// surface.
package session
