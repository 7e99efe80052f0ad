// Package session persists execution sessions: the task, the plan, every step
// record and the final result of a run.
//
// Invariants:
// - Save overwrites by id; it never appends a second record for the same id.
// - UpdatedAt never moves backward across saves of the same session.
// - Session ids are validated and path-safe.
// - Reads are not cached.
//
// Usage:
//
//	store, _ := session.NewFileStore("/tmp/taskpilot/sessions")
//	s := session.New("summarize the report", nil)
//	_ = store.Save(ctx, s)
//	loaded, _ := store.Load(ctx, s.ID)
//	_ = loaded
package session
