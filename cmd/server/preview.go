package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/promptdev/internal/assembler"
	"github.com/ashureev/promptdev/internal/feed"
	"github.com/ashureev/promptdev/internal/identity"
)

func previewCmd() *cobra.Command {
	var (
		tenantArg  string
		sessionArg string
		userArg    string
		messageArg string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Render the prompt the next chat turn would send, without calling the model",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, ok := identity.ParseTenant(tenantArg)
			if !ok {
				return fmt.Errorf("invalid tenant %q", tenantArg)
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := buildCore(cmd.Context(), cfg, feed.Nop{}, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.assembler.Preview(cmd.Context(), assembler.Request{
				Tenant:    tenant,
				SessionID: sessionArg,
				UserID:    userArg,
				Message:   messageArg,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			if res.Blocked {
				fmt.Fprintf(out, "[blocked: %s]\n%s\n", res.Reason, res.Notice)
				return nil
			}
			fmt.Fprintln(out, res.Prompt)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantArg, "tenant", "system", "tenant id")
	cmd.Flags().StringVar(&sessionArg, "session", "", "session id")
	cmd.Flags().StringVar(&userArg, "user", "", "user id (selects the current session when --session is empty)")
	cmd.Flags().StringVarP(&messageArg, "message", "m", "", "message to render as the current turn")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full assembly result as JSON")
	return cmd
}
