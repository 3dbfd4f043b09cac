// Package api defines the core data model and wire types for the agentflow
// gateway: conversation sessions, workflow definitions, native push-protocol
// frames, OpenAI-compatible chat-completion objects, structured errors, and
// ID generation.
//
// The package has zero external dependencies beyond google/uuid and performs
// no I/O. All types produce JSON compatible with the gateway's two wire
// protocols:
//
//   - Native protocol: one JSON object per frame, framed as
//     "data:" + json + "\n\n", always carrying a session_id.
//   - OpenAI-compatible protocol: chat.completion / chat.completion.chunk
//     objects framed as "data: " + json + "\n\n" and terminated by the
//     "data: [DONE]\n\n" sentinel.
package api
