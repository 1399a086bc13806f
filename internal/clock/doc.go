// Package clock provides the hybrid logical clock that orders events across
// nodes, and the time gate that refuses to stamp anything while the system
// clock is set before the build epoch.
package clock
