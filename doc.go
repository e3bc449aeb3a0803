// Package pipewise is the multi-agent orchestration runtime behind the
// PipeWise lead-engagement CRM.
//
// A workflow starts from an IncomingEvent, runs one agent's tool-calling
// loop against an LLM, and follows handoffs between agents until a typed
// final result is produced. Tools are either local functions registered in
// the Registry or remote tools proxied through an MCP client pool (see the
// mcp subpackage). Session-scoped volatile memory and durable multi-tenant
// memory are coordinated by the MemoryManager.
//
// The core package is transport-free: LLM providers, persistent memory
// backends, and telemetry exporters are injected through the LLMClient,
// MemoryBackend, Tracer, and Recorder interfaces. See provider/openaicompat,
// store/postgres, store/sqlite, and observer for the shipped implementations.
package pipewise
