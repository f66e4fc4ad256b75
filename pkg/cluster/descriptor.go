package cluster

import "fmt"

// DefaultRootPath is where clusters live in the coordination store unless
// overridden.
const DefaultRootPath = "/slacker/cluster/"

// Descriptor identifies the cluster a server instance joins. Immutable for
// the lifetime of a server run.
type Descriptor struct {
	// Name of the cluster; the first path segment under the root.
	Name string

	// CoordinationAddress is a comma-separated host:port list of
	// coordination-service endpoints.
	CoordinationAddress string

	// RootPath overrides DefaultRootPath when non-empty.
	RootPath string

	// NodeOverride, when non-empty, is used verbatim as this server's
	// identity instead of deriving it from the advertised IP and port.
	NodeOverride string
}

// Root returns the effective root path.
func (d *Descriptor) Root() string {
	if d.RootPath == "" {
		return DefaultRootPath
	}
	return d.RootPath
}

// ServerID derives the identity used as the leaf segment in every node path
// for an instance.
func ServerID(advertisedHost string, port int) string {
	return fmt.Sprintf("%s:%d", advertisedHost, port)
}
