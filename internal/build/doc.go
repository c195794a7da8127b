// Package build turns an uploaded program into a freshly linked runtime
// executable.
//
// A Pipeline drives one Run through an explicit state machine:
//
//	compiling -> relocating -> linking -> succeeded
//	     \            \            \
//	      +------------+------------+--> failed
//
// Compiling runs the stage-1 compiler in a fresh workspace. Relocating stages
// the generated artifact set next to the runtime sources and commits it with
// per-file renames, rolling back on any error. Linking runs the rebuild script
// with the previous executable snapshotted, so a failed link restores both the
// executable and the relocated sources.
//
// A Pipeline does not serialize runs. Callers must ensure at most one Run is
// active at a time.
package build
