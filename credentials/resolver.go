package credentials

import (
	"context"
	"errors"
	"fmt"

	nodeflow "nodeflow"
)

// Store finds an encrypted credential owned by ownerID. It returns
// nodeflow.ErrNotFound when the id is unknown or belongs to someone else.
type Store interface {
	FindCredential(ctx context.Context, id, ownerID string) (*nodeflow.Credential, error)
}

// Decrypter turns a stored value into the plaintext secret.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Resolver loads and decrypts credentials just before a node needs them.
type Resolver struct {
	store  Store
	cipher Decrypter
}

func NewResolver(store Store, cipher Decrypter) *Resolver {
	return &Resolver{store: store, cipher: cipher}
}

// Resolve returns the decrypted credential. A missing credential or an
// undecryptable value is permanent; store outages stay retriable.
func (r *Resolver) Resolve(ctx context.Context, id, ownerID string) (*nodeflow.ResolvedCredential, error) {
	cred, err := r.store.FindCredential(ctx, id, ownerID)
	if err != nil {
		if errors.Is(err, nodeflow.ErrNotFound) {
			return nil, nodeflow.NonRetriablef("credential %s not found", id)
		}
		return nil, fmt.Errorf("load credential %s: %w", id, err)
	}
	plain, err := r.cipher.Decrypt(cred.Value)
	if err != nil {
		return nil, nodeflow.NonRetriable(fmt.Errorf("credential %s: %w", id, err))
	}
	return &nodeflow.ResolvedCredential{ID: cred.ID, Type: cred.Type, Value: plain}, nil
}
