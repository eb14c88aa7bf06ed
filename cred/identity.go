package cred

import (
	"fmt"
	"sync"

	"github.com/go-viper/mapstructure/v2"
)

// Kind classifies the principal behind an identity.
type Kind string

const (
	// KindServiceAccount is a machine identity backed by a service-account secret.
	KindServiceAccount Kind = "service_account"
	// KindUserDelegated is a user identity backed by a delegated refresh secret.
	KindUserDelegated Kind = "user_delegated"
)

// ParseKind parses a string to Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindServiceAccount, KindUserDelegated:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown credential kind %q", s)
	}
}

// Identity is a credential principal on whose behalf tokens are minted.
// Identities are registered at startup and are immutable afterwards; the only
// lifecycle transition is removal through Registry.Revoke.
type Identity struct {
	// Name is the unique identifier of the identity (as used in config).
	Name string

	// Kind is the credential kind.
	Kind Kind

	// SecretRef references the long-lived secret backing this identity.
	// It is resolved by a SecretSource; the secret itself is never stored here.
	SecretRef string

	// Options carries kind-specific settings as strings, the same shape the
	// config file provides them in.
	Options map[string]string
}

// identityOptions is the decoded form of Identity.Options.
type identityOptions struct {
	// Static marks identities whose secret is itself the access credential
	// (a bare API key). Minting a token for a static identity does not
	// involve the authorization service.
	Static bool `mapstructure:"static"`

	// Audience overrides the token audience sent to the authorization service.
	Audience string `mapstructure:"audience"`

	// Subject is the user to impersonate for user-delegated identities.
	Subject string `mapstructure:"subject"`
}

func (i *Identity) decodeOptions() (*identityOptions, error) {
	var opts identityOptions
	if len(i.Options) == 0 {
		return &opts, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(i.Options); err != nil {
		return nil, fmt.Errorf("invalid options for identity %q: %w", i.Name, err)
	}
	return &opts, nil
}

// Static reports whether the identity is backed by a bare API key.
func (i *Identity) Static() bool {
	opts, err := i.decodeOptions()
	if err != nil {
		return false
	}
	return opts.Static
}

// Registry holds all registered identities.
type Registry struct {
	identities map[string]*Identity
	mu         sync.RWMutex
}

// NewRegistry creates an empty identity registry.
func NewRegistry() *Registry {
	return &Registry{
		identities: make(map[string]*Identity),
	}
}

// Register adds an identity to the registry. Registering the same name twice
// is an error: identities are immutable once registered.
func (r *Registry) Register(identity *Identity) error {
	if identity.Name == "" {
		return fmt.Errorf("identity name must not be empty")
	}
	if _, err := ParseKind(string(identity.Kind)); err != nil {
		return err
	}
	if _, err := identity.decodeOptions(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.identities[identity.Name]; ok {
		return fmt.Errorf("%w: %s", ErrIdentityAlreadyRegistered, identity.Name)
	}
	r.identities[identity.Name] = identity
	return nil
}

// Get returns the identity with the given name.
func (r *Registry) Get(name string) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.identities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, name)
	}
	return identity, nil
}

// Revoke removes an identity from the registry. Cached tokens belonging to
// the identity are invalidated by the session broker, not here.
func (r *Registry) Revoke(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.identities[name]; !ok {
		return fmt.Errorf("%w: %s", ErrIdentityNotFound, name)
	}
	delete(r.identities, name)
	return nil
}

// List returns the names of all registered identities.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.identities))
	for name := range r.identities {
		names = append(names, name)
	}
	return names
}
