package node

import "errors"

// ErrConfiguration wraps every fatal problem found while wiring a Node
// together from its genesis and node configuration, spec.md §7's
// "fatal; process terminates before opening the network" class of error.
var ErrConfiguration = errors.New("node: invalid configuration")
