// Package orchestrator drives projects through their lifecycle phases.
//
// # Overview
//
// A Machine owns transition legality for every project manifest. Each call to
// Advance runs the workflow bound to the project's current position, records
// what it produced, evaluates the quality gates attached to the transition and
// persists the new position before returning.
//
// # Lifecycle
//
//	PLANNING.RESEARCH → PLANNING.BUSINESS_VALIDATION → PLANNING.FEATURE_SPECIFICATION
//	  → PLANNING.ARCHITECTURE_DESIGN → CODING → TESTING → AWAITING_QA_APPROVAL
//	  → DEPLOYMENT → PRODUCTION → MAINTENANCE
//
// Two edges go backwards. A failed TESTING run returns the project to CODING
// (the repair loop) and a QA rejection does the same. Both count against the
// project's repair budget; once it is spent the machine returns
// RepairExhaustedError and leaves the phase alone.
//
// # Human actions
//
// Approve and Reject are only legal in AWAITING_QA_APPROVAL. SkipResearch
// requires explicit confirmation. ReportDefect moves PRODUCTION to
// MAINTENANCE.
//
// # Persistence
//
// The machine works on a copy of the manifest and saves it before swapping
// it in, so an aborted transition never leaves a partial phase change in the
// store. Gate results are the exception: they are saved even when a blocking
// failure aborts the transition.
//
// # Concurrency
//
// Operations on one project are serialised by a per-project lock. Distinct
// projects advance concurrently; AdvanceAll fans out with an errgroup.
package orchestrator
