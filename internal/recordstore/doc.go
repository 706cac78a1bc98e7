// Package recordstore persists run, review, and spec session records
// under a workspace's .voratiq directory.
//
// Each domain (runs, reviews, specs) owns a directory containing a
// versioned index.json, an advisory history.lock, and one
// sessions/<id>/record.json per session. Records follow an append-once,
// rewrite-with-mutation lifecycle: Append fails if the id already has a
// record on disk; Rewrite applies a pure mutator to the buffered copy
// and schedules a coalesced flush, or flushes immediately when the
// mutated status is terminal.
//
// The store keeps a write-behind buffer per session id. Non-terminal
// rewrites coalesce for a short delay before hitting disk; terminal
// rewrites force-flush and dispose the buffer entry so no intermediate
// state survives a completed session. All disk mutation happens under
// the per-domain history lock, serializing record and index writes
// across processes.
package recordstore
