// Package protocol defines the immutable value types exchanged between the
// engine's components: submissions flowing in, events flowing out, and the
// conversation history items both are built from. Components never share
// mutable state; everything crossing a component boundary lives here.
package protocol
