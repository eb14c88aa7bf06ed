package cred

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Identity{
		Name:      "sheets-reader",
		Kind:      KindServiceAccount,
		SecretRef: "/etc/granter/sheets.json",
	})
	require.NoError(t, err)

	identity, err := r.Get("sheets-reader")
	require.NoError(t, err)
	assert.Equal(t, KindServiceAccount, identity.Kind)

	_, err = r.Get("unknown")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()

	identity := &Identity{Name: "svc-a", Kind: KindServiceAccount, SecretRef: "ref"}
	require.NoError(t, r.Register(identity))

	err := r.Register(identity)
	assert.ErrorIs(t, err, ErrIdentityAlreadyRegistered)
}

func TestRegistry_InvalidKindRejected(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Identity{Name: "svc-a", Kind: "robot", SecretRef: "ref"})
	assert.Error(t, err)
}

func TestRegistry_Revoke(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&Identity{Name: "svc-a", Kind: KindServiceAccount, SecretRef: "ref"}))
	require.NoError(t, r.Revoke("svc-a"))

	_, err := r.Get("svc-a")
	assert.ErrorIs(t, err, ErrIdentityNotFound)

	assert.ErrorIs(t, r.Revoke("svc-a"), ErrIdentityNotFound)
}

func TestIdentity_StaticOption(t *testing.T) {
	static := &Identity{
		Name:      "gemini-key",
		Kind:      KindServiceAccount,
		SecretRef: "ref",
		Options:   map[string]string{"static": "true"},
	}
	assert.True(t, static.Static())

	plain := &Identity{Name: "svc-a", Kind: KindServiceAccount, SecretRef: "ref"}
	assert.False(t, plain.Static())
}
