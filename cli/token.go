package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"payrollbridge/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage trigger API bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a signed bearer token for the trigger API",
	RunE:  runTokenIssue,
}

func init() {
	tokenCmd.AddCommand(tokenIssueCmd)

	tokenIssueCmd.Flags().String("subject", "", "Who the token is for, e.g. nightly-scheduler")
	tokenIssueCmd.Flags().String("role", string(auth.RoleScheduler), "scheduler, operator or provider")
	tokenIssueCmd.Flags().Duration("ttl", 0, "Token lifetime (defaults to auth.token_ttl from config)")
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	subject, _ := cmd.Flags().GetString("subject")
	role, _ := cmd.Flags().GetString("role")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if subject == "" {
		return errors.New("--subject is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("PAYROLL_JWT_SECRET is not set")
	}
	if ttl <= 0 {
		ttl = cfg.TokenTTL
	}
	svc, err := auth.NewService(cfg.JWTSecret)
	if err != nil {
		return err
	}
	token, err := svc.Issue(subject, auth.Role(role), ttl)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"token":      token,
			"subject":    subject,
			"role":       role,
			"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
