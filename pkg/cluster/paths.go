package cluster

import (
	"path"
	"strings"
)

// Node layout under {root}{cluster}:
//
//	servers/{serverID}                  ephemeral presence + server data blob
//	namespaces/{ns}/{serverID}          ephemeral per-namespace presence
//	namespaces/{ns}/_leader             current leader identity
//	namespaces/{ns}/_leader/mutex       election mutex
//	functions/{name}                    function metadata, first writer wins
//
// All builders are pure: identical inputs always produce identical paths, and
// distinct logical entities never collide.

const (
	serversSegment    = "servers"
	namespacesSegment = "namespaces"
	functionsSegment  = "functions"
	leaderSegment     = "_leader"
	mutexSegment      = "mutex"
)

func ServersPath(root, clusterName string) string {
	return path.Join(root, clusterName, serversSegment)
}

func ServerPath(root, clusterName, serverID string) string {
	return path.Join(root, clusterName, serversSegment, serverID)
}

func NamespacePath(root, clusterName, namespace string) string {
	return path.Join(root, clusterName, namespacesSegment, namespace)
}

func NamespaceMemberPath(root, clusterName, namespace, serverID string) string {
	return path.Join(root, clusterName, namespacesSegment, namespace, serverID)
}

func LeaderPath(root, clusterName, namespace string) string {
	return path.Join(root, clusterName, namespacesSegment, namespace, leaderSegment)
}

func LeaderMutexPath(root, clusterName, namespace string) string {
	return path.Join(root, clusterName, namespacesSegment, namespace, leaderSegment, mutexSegment)
}

func FunctionPath(root, clusterName, functionName string) string {
	return path.Join(root, clusterName, functionsSegment, functionName)
}

// NamespaceOf extracts the namespace segment from a node path under the
// cluster's namespaces scope, or returns "" if p lies elsewhere. Matching is
// done on the parsed segment, never by substring, so "api" does not match
// nodes belonging to "api2".
func NamespaceOf(root, clusterName, p string) string {
	prefix := path.Join(root, clusterName, namespacesSegment) + "/"
	if !strings.HasPrefix(p, prefix) {
		return ""
	}

	rest := strings.TrimPrefix(p, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}

	return rest
}
