// Package engine implements the streaming completion orchestrator: it
// turns one user query into a live multi-event response stream sourced
// from the workflow execution engine, while maintaining the durable
// conversation record and re-encoding the stream into the gateway's two
// wire protocols.
//
// The orchestrator reconciles four concerns per request:
//
//   - session lifecycle: a request either creates a session against a
//     workflow definition (strict owner-only check) or resumes one by id;
//   - the engine run: an open-ended, possibly failing event sequence
//     pulled lazily, one event at a time;
//   - two downstream encodings: the native push protocol and the
//     OpenAI-compatible chat-completion protocol, with their different
//     framing, token accounting, and termination conventions;
//   - durable persistence: the conversation (including the engine's
//     serialized state) is written exactly once per run, on success and
//     on handled failure alike.
package engine
