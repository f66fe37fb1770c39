// Package agent drives one task to completion: it streams model turns,
// routes tool calls through the orchestrator, folds results back into
// history, and compacts history when the context window runs low.
package agent
