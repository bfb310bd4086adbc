package server

import (
	"errors"
	"sync"
)

// ErrRegistryConflict means the account already has a live connection. The
// second connection is rejected; the first stays, avoiding split delivery
// across two sockets for one account.
var ErrRegistryConflict = errors.New("registry: account already has a live connection")

type registration struct {
	identity  string
	mailboxID string
	conn      *connection
}

// Registry tracks which account and mailbox is attached to which live
// connection. All mutation goes through the mutex; callers must not hold
// it across cryptography or socket writes.
type Registry struct {
	mu         sync.Mutex
	byIdentity map[string]*registration
	byMailbox  map[string]*registration
}

func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]*registration),
		byMailbox:  make(map[string]*registration),
	}
}

// Register binds an authenticated connection to its account identity and
// mailbox id. At most one registration per account exists at any time.
func (r *Registry) Register(identity, mailboxID string, conn *connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.byIdentity[identity]; live {
		return ErrRegistryConflict
	}
	reg := &registration{identity: identity, mailboxID: mailboxID, conn: conn}
	r.byIdentity[identity] = reg
	r.byMailbox[mailboxID] = reg
	return nil
}

// Deregister releases the binding, but only if it still belongs to the
// given connection; a rapid reconnect must not tear down its successor.
func (r *Registry) Deregister(identity string, conn *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byIdentity[identity]
	if !ok || reg.conn != conn {
		return
	}
	delete(r.byIdentity, identity)
	delete(r.byMailbox, reg.mailboxID)
}

func (r *Registry) LookupMailbox(mailboxID string) (*connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byMailbox[mailboxID]
	if !ok {
		return nil, false
	}
	return reg.conn, true
}

func (r *Registry) LookupIdentity(identity string) (*connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byIdentity[identity]
	if !ok {
		return nil, false
	}
	return reg.conn, true
}
