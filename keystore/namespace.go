package keystore

import (
	"strings"

	"github.com/vaultsync-io/vaultsync/localvault"
)

// DefaultNamespace prefixes local entry names when none is configured.
const DefaultNamespace = "VAULTSYNC.IDENTITY"

// The namespace ends at the first "=" and the identity at the next ".", so
// neither may contain its terminator. Escaping keeps one identity's prefix
// from matching another's names ("a." against "a.b.x").
var (
	namespaceEscaper = strings.NewReplacer("%", "%25", "=", "%3D")
	identityEscaper  = strings.NewReplacer("%", "%25", ".", "%2E")
)

// namespacedVault scopes a shared local vault to one identity. Names inside
// the vault are "<namespace>=<identity>.<name>"; callers only see <name>.
type namespacedVault struct {
	vault  localvault.Vault
	prefix string
}

func newNamespacedVault(v localvault.Vault, namespace, identity string) *namespacedVault {
	return &namespacedVault{
		vault:  v,
		prefix: namespaceEscaper.Replace(namespace) + "=" + identityEscaper.Replace(identity) + ".",
	}
}

func (n *namespacedVault) key(name string) string {
	return n.prefix + name
}

func (n *namespacedVault) strip(e *localvault.Entry) *localvault.Entry {
	e.Name = strings.TrimPrefix(e.Name, n.prefix)
	return e
}

func (n *namespacedVault) Store(name string, data []byte, meta map[string]string) (*localvault.Entry, error) {
	e, err := n.vault.Store(n.key(name), data, meta)
	if err != nil {
		return nil, err
	}
	return n.strip(e), nil
}

func (n *namespacedVault) Update(name string, data []byte, meta map[string]string) (*localvault.Entry, error) {
	e, err := n.vault.Update(n.key(name), data, meta)
	if err != nil {
		return nil, err
	}
	return n.strip(e), nil
}

func (n *namespacedVault) Retrieve(name string) (*localvault.Entry, error) {
	e, err := n.vault.Retrieve(n.key(name))
	if err != nil {
		return nil, err
	}
	return n.strip(e), nil
}

// RetrieveAll returns this identity's entries.
func (n *namespacedVault) RetrieveAll() ([]*localvault.Entry, error) {
	all, err := n.vault.RetrieveAll()
	if err != nil {
		return nil, err
	}
	var out []*localvault.Entry
	for _, e := range all {
		if strings.HasPrefix(e.Name, n.prefix) && len(e.Name) > len(n.prefix) {
			out = append(out, n.strip(e))
		}
	}
	return out, nil
}

func (n *namespacedVault) Delete(name string) error {
	return n.vault.Delete(n.key(name))
}

func (n *namespacedVault) Exists(name string) (bool, error) {
	return n.vault.Exists(n.key(name))
}
