package server

import (
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/pkg/errors"
)

// Default ACL with superuser model for Casbin authorization.
// Ref: https://github.com/casbin/casbin/blob/master/examples/basic_with_root_model.conf
var DefaultACLAuthzModel string = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act || r.sub == "root"
`

// authzObject is the object of every vault permission.
const authzObject = "vault"

// Permission actions.
const (
	actionGet    = "get"
	actionPut    = "put"
	actionDelete = "delete"
)

// authzEnforcer checks identity permissions. The policy can be reloaded
// while requests are served.
type authzEnforcer struct {
	enforcer   *casbin.Enforcer
	policyFile string
	authzLock  sync.RWMutex
}

// newAuthzEnforcer creates an enforcer over the policy file, or over an empty
// policy if policyFile is empty.
func newAuthzEnforcer(policyFile string) (*authzEnforcer, error) {
	m, err := model.NewModelFromString(DefaultACLAuthzModel)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse authorization model")
	}
	var enforcer *casbin.Enforcer
	if policyFile == "" {
		enforcer, err = casbin.NewEnforcer(m)
	} else {
		enforcer, err = casbin.NewEnforcer(m, fileadapter.NewAdapter(policyFile))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create authorization enforcer")
	}
	return &authzEnforcer{enforcer: enforcer, policyFile: policyFile}, nil
}

func (a *authzEnforcer) authorize(identity, action string) (bool, error) {
	a.authzLock.RLock()
	defer a.authzLock.RUnlock()
	return a.enforcer.Enforce(identity, authzObject, action)
}

// grant adds a permission to the in-memory policy.
func (a *authzEnforcer) grant(identity string, actions ...string) error {
	a.authzLock.Lock()
	defer a.authzLock.Unlock()
	for _, action := range actions {
		if _, err := a.enforcer.AddPolicy(identity, authzObject, action); err != nil {
			return err
		}
	}
	return nil
}

// reload rereads the policy from its file. Without a file it does nothing.
func (a *authzEnforcer) reload() error {
	if a.policyFile == "" {
		return nil
	}
	a.authzLock.Lock()
	defer a.authzLock.Unlock()
	return a.enforcer.LoadPolicy()
}
