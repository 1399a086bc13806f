// Package canon implements RFC 8785 canonical JSON over a restricted value
// model. Canonical bytes are the input to every content hash, so two nodes
// that hold the same event always compute the same digest.
package canon
