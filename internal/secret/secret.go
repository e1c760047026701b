// Package secret resolves ${type:name} references found in configuration values.
package secret

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	TypeEnv     = "env"
	TypeKeyring = "keyring"
)

var (
	// ErrUnknownType is returned for references naming a provider that is not registered.
	ErrUnknownType = errors.New("unknown secret type")

	// ErrUnavailable is returned when the provider cannot be used on this system.
	ErrUnavailable = errors.New("secret provider unavailable")

	// ErrNotFound is returned when the referenced secret has no value.
	ErrNotFound = errors.New("secret not found")

	// ErrReadOnly is returned by providers that cannot store or delete.
	ErrReadOnly = errors.New("secret provider is read-only")
)

// refPattern matches ${type:name}.
var refPattern = regexp.MustCompile(`\$\{([^:}]+):([^}]+)\}`)

// Ref points at a secret held by a provider.
type Ref struct {
	Type     string
	Name     string
	Original string
}

func (r Ref) String() string {
	return fmt.Sprintf("${%s:%s}", r.Type, r.Name)
}

// Provider stores and retrieves secrets of one type.
type Provider interface {
	Resolve(ctx context.Context, name string) (string, error)
	Store(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
	Available() bool
}

// ParseRef parses a single reference such as "${keyring:rmm_password}".
func ParseRef(input string) (Ref, error) {
	m := refPattern.FindStringSubmatch(strings.TrimSpace(input))
	if m == nil {
		return Ref{}, fmt.Errorf("invalid secret reference %q", input)
	}
	return Ref{
		Type:     strings.TrimSpace(m[1]),
		Name:     strings.TrimSpace(m[2]),
		Original: m[0],
	}, nil
}

// IsRef reports whether input contains at least one reference.
func IsRef(input string) bool {
	return refPattern.MatchString(input)
}

// FindRefs returns every reference in input, in order.
func FindRefs(input string) []Ref {
	matches := refPattern.FindAllStringSubmatch(input, -1)
	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, Ref{
			Type:     strings.TrimSpace(m[1]),
			Name:     strings.TrimSpace(m[2]),
			Original: m[0],
		})
	}
	return refs
}

// Mask hides most of a secret for display.
func Mask(value string) string {
	switch {
	case len(value) <= 4:
		return "****"
	case len(value) <= 8:
		return value[:2] + "****"
	default:
		return value[:3] + "****" + value[len(value)-2:]
	}
}

// Resolver dispatches references to providers by type.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver returns a resolver with the env and keyring providers registered.
func NewResolver() *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	r.Register(TypeEnv, NewEnvProvider())
	r.Register(TypeKeyring, NewKeyringProvider(KeyringService))
	return r
}

// Register adds or replaces the provider for secretType.
func (r *Resolver) Register(secretType string, p Provider) {
	r.providers[secretType] = p
}

func (r *Resolver) provider(secretType string) (Provider, error) {
	p, ok := r.providers[secretType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, secretType)
	}
	if !p.Available() {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, secretType)
	}
	return p, nil
}

// Resolve returns the value behind ref.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (string, error) {
	p, err := r.provider(ref.Type)
	if err != nil {
		return "", err
	}
	return p.Resolve(ctx, ref.Name)
}

// Store writes value under ref.
func (r *Resolver) Store(ctx context.Context, ref Ref, value string) error {
	p, err := r.provider(ref.Type)
	if err != nil {
		return err
	}
	return p.Store(ctx, ref.Name, value)
}

// Delete removes the secret behind ref.
func (r *Resolver) Delete(ctx context.Context, ref Ref) error {
	p, err := r.provider(ref.Type)
	if err != nil {
		return err
	}
	return p.Delete(ctx, ref.Name)
}

// List returns references for every secret a listable provider knows about.
func (r *Resolver) List(ctx context.Context) []Ref {
	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)

	var refs []Ref
	for _, t := range types {
		p := r.providers[t]
		if !p.Available() {
			continue
		}
		names, err := p.List(ctx)
		if err != nil {
			continue
		}
		for _, name := range names {
			ref := Ref{Type: t, Name: name}
			ref.Original = ref.String()
			refs = append(refs, ref)
		}
	}
	return refs
}

// Expand replaces every reference in input with its resolved value.
func (r *Resolver) Expand(ctx context.Context, input string) (string, error) {
	refs := FindRefs(input)
	if len(refs) == 0 {
		return input, nil
	}

	out := input
	for _, ref := range refs {
		value, err := r.Resolve(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", ref.Original, err)
		}
		out = strings.ReplaceAll(out, ref.Original, value)
	}
	return out, nil
}

// ExpandAll expands each field in place. It stops at the first failure.
func (r *Resolver) ExpandAll(ctx context.Context, fields ...*string) error {
	for _, f := range fields {
		if f == nil || !IsRef(*f) {
			continue
		}
		expanded, err := r.Expand(ctx, *f)
		if err != nil {
			return err
		}
		*f = expanded
	}
	return nil
}
