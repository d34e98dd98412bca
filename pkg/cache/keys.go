package cache

import (
	"fmt"
	"strings"
)

// Resource kinds used in cache key namespaces.
const (
	KindInstance    = "instance"
	KindProjects    = "projects"
	KindUsers       = "users"
	KindMappings    = "mappings"
	KindSyncStatus  = "sync_status"
	KindSyncHistory = "sync_history"
	KindPermissions = "permissions"
)

const keyPrefix = "gitlab"

// Key builds a namespaced cache key:
// gitlab:<resourceKind>:<instanceID>[:<subID>...]
func Key(resourceKind string, instanceID uint, subIDs ...string) string {
	parts := make([]string, 0, 3+len(subIDs))
	parts = append(parts, keyPrefix, resourceKind, fmt.Sprintf("%d", instanceID))
	parts = append(parts, subIDs...)

	return strings.Join(parts, ":")
}

// KindPrefix returns the prefix covering the sub-keys of a resource
// kind for one instance, suitable for DeletePrefix. The trailing
// separator keeps instance 1 from matching instances 10, 11, and so
// on. The bare kind key itself is not covered; InvalidateKind removes
// both.
func KindPrefix(resourceKind string, instanceID uint) string {
	return Key(resourceKind, instanceID) + ":"
}

// InvalidateKind removes the kind's entry and all of its sub-keys for
// the given instance.
func InvalidateKind(store Store, resourceKind string, instanceID uint) {
	store.Delete(Key(resourceKind, instanceID))
	store.DeletePrefix(KindPrefix(resourceKind, instanceID))
}

// InvalidateInstance removes every cached entry for the given instance.
func InvalidateInstance(store Store, instanceID uint) {
	kinds := []string{
		KindInstance,
		KindProjects,
		KindUsers,
		KindMappings,
		KindSyncStatus,
		KindSyncHistory,
		KindPermissions,
	}

	for _, kind := range kinds {
		InvalidateKind(store, kind, instanceID)
	}
}
