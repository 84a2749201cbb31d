// Package secrets keeps secret workflow variables encrypted at rest.
package secrets

import (
	"context"
	"encoding/json"
	"maps"
	"regexp"

	"github.com/rendis/migraflow/pkg/schema"
)

// Vault stores and resolves encrypted values by key.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// Masked stands in for secret values in persisted execution context.
const Masked = "********"

var refPattern = regexp.MustCompile(`^\$\{\{\s*secrets\.([A-Za-z0-9_\-./]+)\s*\}\}$`)

// RefKey returns the vault key of a "${{secrets.KEY}}" reference.
func RefKey(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// VariableKey is the vault key a run keeps a secret variable under.
func VariableKey(executionID, name string) string {
	return "executions/" + executionID + "/" + name
}

// ResolveRefs returns a copy of vars with every "${{secrets.KEY}}" value
// replaced by the decrypted vault entry.
func ResolveRefs(ctx context.Context, v Vault, vars map[string]any) (map[string]any, error) {
	out := maps.Clone(vars)
	if out == nil {
		out = map[string]any{}
	}
	for name, val := range vars {
		key, ok := RefKey(val)
		if !ok {
			continue
		}
		if v == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"variable %s references secret %q but no vault is configured", name, key)
		}
		raw, err := v.Resolve(ctx, key)
		if err != nil {
			return nil, err
		}
		out[name] = string(raw)
	}
	return out, nil
}

// Seal writes the secret variables of one execution to the vault and
// returns a copy of vars with those values masked. Without a vault the
// values are masked but not kept.
func Seal(ctx context.Context, v Vault, executionID string, defs []schema.VariableDefinition, vars map[string]any) (map[string]any, error) {
	out := maps.Clone(vars)
	for _, def := range defs {
		val, ok := vars[def.Name]
		if !def.Secret() || !ok || val == nil {
			continue
		}
		if v != nil {
			b, err := json.Marshal(val)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode secret variable %s: %v", def.Name, err)
			}
			if err := v.Store(ctx, VariableKey(executionID, def.Name), b); err != nil {
				return nil, err
			}
		}
		out[def.Name] = Masked
	}
	return out, nil
}

// Unseal restores the masked secret variables of an execution.
func Unseal(ctx context.Context, v Vault, executionID string, defs []schema.VariableDefinition, vars map[string]any) (map[string]any, error) {
	out := maps.Clone(vars)
	for _, def := range defs {
		if !def.Secret() || vars[def.Name] != Masked {
			continue
		}
		if v == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"secret variable %s cannot be restored without a vault", def.Name)
		}
		raw, err := v.Resolve(ctx, VariableKey(executionID, def.Name))
		if err != nil {
			return nil, err
		}
		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode secret variable %s: %v", def.Name, err)
		}
		out[def.Name] = val
	}
	return out, nil
}

// Purge removes the secret variables an execution sealed. Missing entries
// are ignored.
func Purge(ctx context.Context, v Vault, executionID string, defs []schema.VariableDefinition) error {
	if v == nil {
		return nil
	}
	for _, def := range defs {
		if !def.Secret() {
			continue
		}
		if err := v.Delete(ctx, VariableKey(executionID, def.Name)); err != nil && !schema.IsNotFound(err) {
			return err
		}
	}
	return nil
}
