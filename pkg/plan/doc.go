// Package plan turns a parsed play document into the block tree the
// scheduler walks, and keeps one cursor per host into that tree.
//
// A play becomes a list of top-level blocks: one per role (closed by a
// role_complete meta task), one per run of consecutive plain tasks, and one
// per block entry. Each block has task, rescue and always sections whose
// items are tasks or nested blocks.
//
// The Tree implements engine.PlanTree. Blocks are shared by all hosts and
// are not modified after Build; an include gives the including host a
// private copy of the affected block with the include set spliced in, so
// other hosts keep walking the original.
package plan
