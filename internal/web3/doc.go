// Package web3 houses blockchain connectivity for the deployment stage: chain
// definitions loaded from YAML, the client abstraction implemented by the
// go-ethereum adapter, and helpers that map RPC failures onto the error
// codes the self-healing layer classifies.
package web3
