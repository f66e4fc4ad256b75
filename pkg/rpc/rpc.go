// Package rpc defines the boundary between the cluster coordination layer and
// the request-serving transport. The coordination layer starts and stops the
// request server and asks it which functions it exposes; everything else
// about the transport (codec, dispatch, interceptors) stays behind this
// interface.
package rpc

import "context"

// FunctionMetadata describes one exposed function. It is published to the
// coordination store once per function name, shared across the whole cluster.
type FunctionMetadata struct {
	Name       string     `json:"name"`
	Doc        string     `json:"doc,omitempty"`
	ParamLists [][]string `json:"arglists,omitempty"`
}

// Handle is an opaque reference to a running request server, returned by
// Start and consumed by Stop.
type Handle interface{}

// RequestServer is the external request-serving collaborator.
type RequestServer interface {
	// Start begins serving the given namespaces on port. When Start returns,
	// the server is accepting requests.
	Start(ctx context.Context, namespaces []string, port int) (Handle, error)

	// Stop gracefully stops a server previously returned by Start.
	Stop(handle Handle) error

	// Introspect returns the functions exposed under a namespace, keyed by
	// function name.
	Introspect(namespace string) map[string]FunctionMetadata
}
