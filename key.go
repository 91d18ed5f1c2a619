package blockindex

import (
	"fmt"

	"github.com/blockindex/blockindex/internal/chain"
	"github.com/blockindex/blockindex/internal/store"
)

// Key identifies the parent record P that owns one block chain (the
// external form of chain.ParentKey). UserKey must be a string or an
// integer type (spec §6); anything else is a ConfigurationError at
// the first call that touches it.
type Key struct {
	Namespace string
	Set       string
	UserKey   any
}

func (k Key) toParentKey() (chain.ParentKey, error) {
	s, err := userKeyString(k.UserKey)
	if err != nil {
		return chain.ParentKey{}, err
	}
	return chain.ParentKey{Namespace: k.Namespace, Set: k.Set, UserKey: s}, nil
}

func userKeyString(v any) (string, error) {
	switch n := v.(type) {
	case string:
		return n, nil
	case int:
		return fmt.Sprintf("%d", n), nil
	case int32:
		return fmt.Sprintf("%d", n), nil
	case int64:
		return fmt.Sprintf("%d", n), nil
	case uint:
		return fmt.Sprintf("%d", n), nil
	case uint64:
		return fmt.Sprintf("%d", n), nil
	default:
		return "", fmt.Errorf("%w: Key.UserKey must be a string or integer, got %T", ErrInvalidArgument, v)
	}
}

func storeKeyOf(k Key) (store.Key, error) {
	s, err := userKeyString(k.UserKey)
	if err != nil {
		return store.Key{}, err
	}
	return store.Key{Namespace: k.Namespace, Set: k.Set, UserKey: s}, nil
}
