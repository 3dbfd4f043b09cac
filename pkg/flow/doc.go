// Package flow models the workflow execution engine as a capability: a
// stateful component that evaluates a serialized workflow definition
// against a query and yields a finite, non-restartable sequence of
// progress and result events.
//
// The orchestrator in pkg/engine depends only on the [Engine] interface
// and a [Factory]; any workflow backend satisfying the contract can be
// substituted without touching the orchestration logic. [Graph] is the
// built-in backend driven by a JSON DSL.
package flow
