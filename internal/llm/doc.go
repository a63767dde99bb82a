// Package llm contains adapters that turn a natural-language contract request
// into Solidity source. Providers (HTTP chat APIs, a local Python bridge and an
// offline template generator) share the Client interface so the pipeline sees
// only success or failure.
package llm
