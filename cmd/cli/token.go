package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/middleware"
)

var (
	flagSubject string
	flagRoles   string
	flagTTL     time.Duration
)

// tokenCmd issues an HS256 JWT for operators and local testing.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if strings.TrimSpace(flagSubject) == "" {
			return fmt.Errorf("--sub is required")
		}
		var roles []string
		for _, r := range strings.Split(flagRoles, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		ttl := flagTTL
		if ttl <= 0 {
			ttl = cfg.JWT.ExpiresIn
		}
		tok, err := middleware.IssueToken(cfg.JWT.Secret, flagSubject, roles, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagSubject, "sub", "", "user id placed in the sub claim")
	tokenCmd.Flags().StringVar(&flagRoles, "roles", "staff", "comma separated roles")
	tokenCmd.Flags().DurationVar(&flagTTL, "ttl", 0, "token lifetime (default jwt.expires_in)")
	rootCmd.AddCommand(tokenCmd)
}
