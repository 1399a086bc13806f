// Package identity holds the node identity and causal clock of a Lifeboat
// node.
//
// The identity has the form "{prefix}-{16 hex}". It is persisted once in
// node_config and changes only when the storage is wiped, which is how
// clients recognise a replaced node.
package identity
