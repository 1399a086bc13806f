// Package event defines the Event record exchanged between nodes and the
// content hash that decides whether two copies of an event are the same fact.
package event
