package services_test

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/j-veylop/antigravity-account-pool/internal/config"
	"github.com/j-veylop/antigravity-account-pool/internal/services"
)

func ExamplePool() {
	dir, err := os.MkdirTemp("", "agpool-example")
	if err != nil {
		fmt.Println(err)
		return
	}
	defer os.RemoveAll(dir)

	accountsPath := filepath.Join(dir, "antigravity-accounts.json")
	accounts := `{"version": 4, "accounts": [
		{"email": "a@example.com", "refreshToken": "ra"},
		{"email": "b@example.com", "refreshToken": "rb"}
	]}`
	if err := os.WriteFile(accountsPath, []byte(accounts), 0o600); err != nil {
		fmt.Println(err)
		return
	}

	pool, err := services.New(&config.Config{
		AccountsPath:              accountsPath,
		DatabasePath:              filepath.Join(dir, "pool.db"),
		SoftQuotaThresholdPercent: 70,
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer pool.Close()

	for range 3 {
		acc, ok := pool.Next("google", "gemini-3-pro-high", "gemini")
		if !ok {
			fmt.Println("no eligible account")
			return
		}
		fmt.Println(acc.Email)
	}

	// A signature returned with a thinking block is kept for the session so it
	// can be attached again when that text is replayed.
	signatures := pool.Signatures()
	signatures.Put("session-1", "Let me check the quota first.", "sig-123")
	sig, ok := signatures.Get("session-1", "Let me check the quota first.")
	fmt.Println(sig, ok)

	// Output:
	// a@example.com
	// b@example.com
	// a@example.com
	// sig-123 true
}
