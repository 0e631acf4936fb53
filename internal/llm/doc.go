// Package llm defines the contract with the external reasoning oracle. The
// oracle receives the system context, the running conversation and the tool
// schemas, and answers with text or with tool calls for the engine to dispatch.
package llm
