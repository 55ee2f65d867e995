// Package patch parses unified diffs and applies them to a directory tree or
// to an in-memory document store.
//
// Application is planned before anything is written: every path is checked
// against the sandbox, every hunk is located (within a small fuzz window
// around its declared line), and only then are files written atomically. If a
// write fails midway the earlier writes are rolled back, so a patch either
// lands completely or not at all. Dry runs stop after planning and return a
// preview of each change.
package patch
