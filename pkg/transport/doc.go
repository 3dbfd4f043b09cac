// Package transport defines the handler interfaces and middleware chain
// for the agentflow HTTP/SSE transport layer.
//
// The transport layer bridges external clients and the completion
// orchestrator in pkg/engine. It deserializes incoming requests into the
// types defined in pkg/api, dispatches them through the middleware chain,
// and serializes the resulting frame streams back to the client.
//
// # Handler interfaces
//
//   - CompletionHandler is the orchestrator contract: the native
//     completion operation and the OpenAI-compatible one.
//   - SessionStore and WorkflowStore are the persistence contracts
//     consumed by the orchestrator and the listing endpoint.
//
// The EventWriter and ChatWriter interfaces abstract the two wire
// encodings, so the orchestrator emits frames without knowing the
// underlying protocol framing.
//
// # Middleware
//
// Middleware wraps CompletionHandler with cross-cutting concerns: panic
// recovery, request ID assignment (X-Request-ID), and structured logging
// via log/slog. SessionGuard serializes in-flight requests per session.
package transport
