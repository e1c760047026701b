package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// KeyringService namespaces every entry written by this tool.
	KeyringService = "mcprmm"

	// registryEntry tracks stored names since go-keyring cannot enumerate.
	registryEntry = "_mcprmm_secret_registry"
	probeEntry    = "_mcprmm_availability_probe"
)

// EnvProvider reads secrets from the process environment. It is read-only.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates a provider backed by os.LookupEnv.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

func (p *EnvProvider) Resolve(_ context.Context, name string) (string, error) {
	value, ok := p.lookup(name)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: environment variable %s is empty", ErrNotFound, name)
	}
	return value, nil
}

func (p *EnvProvider) Store(context.Context, string, string) error {
	return fmt.Errorf("%w: env", ErrReadOnly)
}

func (p *EnvProvider) Delete(context.Context, string) error {
	return fmt.Errorf("%w: env", ErrReadOnly)
}

// List is empty; the environment is not enumerated for secrets.
func (p *EnvProvider) List(context.Context) ([]string, error) {
	return nil, nil
}

func (p *EnvProvider) Available() bool { return true }

// KeyringProvider uses the OS keychain (Keychain, Secret Service, WinCred).
type KeyringProvider struct {
	service string
}

// NewKeyringProvider creates a provider for service.
func NewKeyringProvider(service string) *KeyringProvider {
	return &KeyringProvider{service: service}
}

func (p *KeyringProvider) Resolve(_ context.Context, name string) (string, error) {
	value, err := keyring.Get(p.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: keyring entry %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("keyring lookup %s: %w", name, err)
	}
	return value, nil
}

func (p *KeyringProvider) Store(_ context.Context, name, value string) error {
	if err := keyring.Set(p.service, name, value); err != nil {
		return fmt.Errorf("keyring store %s: %w", name, err)
	}
	names := p.registered()
	for _, existing := range names {
		if existing == name {
			return nil
		}
	}
	return p.saveRegistry(append(names, name))
}

func (p *KeyringProvider) Delete(_ context.Context, name string) error {
	if err := keyring.Delete(p.service, name); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: keyring entry %s", ErrNotFound, name)
		}
		return fmt.Errorf("keyring delete %s: %w", name, err)
	}

	names := p.registered()
	kept := names[:0]
	for _, existing := range names {
		if existing != name {
			kept = append(kept, existing)
		}
	}
	return p.saveRegistry(kept)
}

func (p *KeyringProvider) List(context.Context) ([]string, error) {
	return p.registered(), nil
}

// Available probes the keychain with a throwaway entry.
func (p *KeyringProvider) Available() bool {
	if err := keyring.Set(p.service, probeEntry, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(p.service, probeEntry)
	return true
}

func (p *KeyringProvider) registered() []string {
	raw, err := keyring.Get(p.service, registryEntry)
	if err != nil {
		return nil
	}
	var names []string
	for _, name := range strings.Split(raw, "\n") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (p *KeyringProvider) saveRegistry(names []string) error {
	if err := keyring.Set(p.service, registryEntry, strings.Join(names, "\n")); err != nil {
		return fmt.Errorf("keyring registry update: %w", err)
	}
	return nil
}
