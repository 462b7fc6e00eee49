package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/domain/auth"
)

var hashKeySHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [admin-key]",
	Short: "Hash an admin key for server.admin_keys",
	Long: `Hash an admin key for the server.admin_keys[].key_hash field.

The default output is an Argon2id PHC string. --sha256 prints "sha256:<hex>"
for tooling that cannot produce Argon2id hashes.

Example:
  quotaguard hash-key "$QUOTAGUARD_ADMIN_KEY"

The key will appear in shell history unless passed through a variable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return hashKey(args[0], hashKeySHA256, cmd.OutOrStdout())
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA256, "sha256", false, "print a sha256:<hex> hash instead of Argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}

func hashKey(raw string, sha bool, out io.Writer) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("admin key must not be empty")
	}
	if sha {
		fmt.Fprintf(out, "sha256:%s\n", auth.HashKey(raw))
		return nil
	}
	hash, err := auth.HashKeyArgon2id(raw)
	if err != nil {
		return fmt.Errorf("hash admin key: %w", err)
	}
	fmt.Fprintln(out, hash)
	return nil
}

// adminKeyRing builds the admin key verifier, or nil when no keys are
// configured.
func adminKeyRing(keys []config.AdminKeyConfig) (*auth.KeyRing, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	admin := make([]auth.AdminKey, 0, len(keys))
	for _, k := range keys {
		ak := auth.AdminKey{Name: k.Name, Hash: k.KeyHash}
		if k.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, k.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("admin key %q: %w", k.Name, err)
			}
			ak.ExpiresAt = t
		}
		admin = append(admin, ak)
	}
	return auth.NewKeyRing(admin)
}
