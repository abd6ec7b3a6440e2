package app

import (
	"context"
	"errors"

	"protovault/internal/config"
	"protovault/internal/repo"
)

// DefaultVaultID names the vault seeded when a workspace has none yet.
const DefaultVaultID = "protovault"

// ResolveVaultConfig picks the active vault and ensures its config exists in
// the DB, seeding defaults if missing. An override wins, then a single-vault
// DB, then the default vault is created on the fly. A protovault.yml in the
// workspace seeds the config instead of the built-in template.
func ResolveVaultConfig(ctx context.Context, workspace, vaultOverride string, r repo.Repo) (string, *config.Config, error) {
	vaultID := vaultOverride
	if vaultID == "" {
		if id, err := r.SingleVaultID(ctx); err == nil {
			vaultID = id
		} else if errors.Is(err, repo.ErrNotFound) {
			vaultID = DefaultVaultID
		} else {
			return "", nil, err
		}
	}
	cfg, err := r.GetVaultConfig(ctx, vaultID)
	if err == nil {
		return vaultID, cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", nil, err
	}
	seed, err := seedConfig(workspace, vaultID)
	if err != nil {
		return "", nil, err
	}
	if err := r.UpsertVaultConfig(ctx, vaultID, seed); err != nil {
		return "", nil, err
	}
	return vaultID, seed, nil
}

func seedConfig(workspace, vaultID string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(vaultID)
	}
	cfg.Vault.ID = vaultID
	return cfg, nil
}
