package accounts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/j-veylop/antigravity-account-pool/internal/logger"
	"github.com/j-veylop/antigravity-account-pool/internal/models"
)

// DefaultAccountsPath returns the default accounts file path.
func DefaultAccountsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "antigravity-accounts.json"
	}
	return filepath.Join(home, ".config", "opencode", "antigravity-accounts.json")
}

// LoadFile reads and parses the accounts file at path.
// A missing file yields an error wrapping os.ErrNotExist.
func LoadFile(path string) (models.AccountStorage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.AccountStorage{}, fmt.Errorf("failed to read accounts file: %w", err)
	}

	storage, err := Parse(data)
	if err != nil {
		return models.AccountStorage{}, fmt.Errorf("%s: %w", path, err)
	}
	return storage, nil
}

// Parse decodes accounts file content. Both the versioned object format and
// the legacy bare array are accepted; indices follow array order.
func Parse(data []byte) (models.AccountStorage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return models.AccountStorage{Version: models.StorageVersion}, nil
	}

	// Legacy array format
	if trimmed[0] == '[' {
		var raw []models.RawAccountData
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return models.AccountStorage{}, fmt.Errorf("failed to parse accounts file: %w", err)
		}
		file := models.RawAccountsFile{Accounts: raw}
		return file.ToStorage(), nil
	}

	var file models.RawAccountsFile
	if err := json.Unmarshal(trimmed, &file); err != nil {
		return models.AccountStorage{}, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	if file.Version > models.StorageVersion {
		logger.Warn("accounts file has a newer schema version", "version", file.Version, "supported", models.StorageVersion)
	}

	storage := file.ToStorage()
	if storage.ActiveIndex < 0 || storage.ActiveIndex >= len(storage.Accounts) {
		storage.ActiveIndex = 0
	}
	return storage, nil
}
