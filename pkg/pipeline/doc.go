// Package pipeline implements the three model-backed stages of a story turn.
//
// The WorldBuilder invents the initial world on a thread's first turn, the
// Storyteller renders the next prose segment, and an Extractor turns that
// segment into a story.Patch for the reducer. Stages never mutate state
// themselves. Structured-output stages recover from unparseable model text
// with a local fallback; backend errors are returned to the caller unchanged.
package pipeline
