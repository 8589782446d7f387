package store

// Namespaces for persisted client state. Each namespace can be cleared
// independently: logout wipes credentials and the queue but leaves the cache.
const (
	NamespaceCredentials = "credentials"
	NamespaceCache       = "cache"
	NamespaceQueue       = "queue"
)

// KeyValueStore abstracts persistence for credentials, cache entries and
// queue snapshots.
type KeyValueStore interface {
	Get(namespace, key string) ([]byte, bool, error)
	Set(namespace, key string, value []byte) error
	Delete(namespace, key string) error
	Keys(namespace string) ([]string, error)
	ClearNamespace(namespace string) error
	Close() error
}
