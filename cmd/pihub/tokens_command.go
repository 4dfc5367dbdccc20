package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pihub/internal/config"
	"pihub/internal/opentera"
	"pihub/internal/staging"
)

func newTokensCommand(ctx *commandContext) *cobra.Command {
	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage session server device tokens",
	}
	tokensCmd.AddCommand(newTokensListCommand(ctx))
	tokensCmd.AddCommand(newTokensRegisterCommand(ctx))
	return tokensCmd
}

func newTokensListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List devices with a stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := opentera.OpenTokenStore(cfg.TokenStorePath(), cfg.TokenKeyPath())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			devices := store.Devices()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No device tokens stored")
				return nil
			}
			rows := make([][]string, 0, len(devices))
			for _, device := range devices {
				token, _ := store.Get(device)
				rows = append(rows, []string{device, maskToken(token)})
			}
			fmt.Fprint(out, renderTable([]string{"Device", "Token"}, rows, nil))
			return nil
		},
	}
}

func newTokensRegisterCommand(ctx *commandContext) *cobra.Command {
	var typeKey string
	var subtype string
	cmd := &cobra.Command{
		Use:   "register <device>",
		Short: "Register a device with the session server and store its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			device, err := staging.CleanDevice(args[0])
			if err != nil {
				return err
			}
			changed, err := registerDevice(cmd.Context(), cfg, nil, device, typeKey, subtype)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if changed {
				fmt.Fprintf(out, "Registered %s; token stored\n", device)
			} else {
				fmt.Fprintf(out, "Registered %s; stored token unchanged\n", device)
			}
			fmt.Fprintln(out, "Restart the daemon for it to load the new token")
			return nil
		},
	}
	cmd.Flags().StringVar(&typeKey, "type", "", "Device type key (required)")
	cmd.Flags().StringVar(&subtype, "subtype", "", "Device subtype name")
	return cmd
}

func registerDevice(ctx context.Context, cfg *config.Config, doer opentera.HTTPDoer, device, typeKey, subtype string) (bool, error) {
	if !cfg.General.EnableOpenTera || cfg.OpenTeraURL() == "" {
		return false, errors.New("session server is not configured (general.enable_opentera and opentera.hostname)")
	}
	registerKey := strings.TrimSpace(cfg.OpenTera.DeviceRegisterKey)
	if registerKey == "" {
		return false, errors.New("opentera.device_register_key is not set")
	}
	if strings.TrimSpace(typeKey) == "" {
		return false, errors.New("--type is required")
	}

	store, err := opentera.OpenTokenStore(cfg.TokenStorePath(), cfg.TokenKeyPath())
	if err != nil {
		return false, err
	}
	timeout := time.Duration(cfg.OpenTera.RequestTimeoutSeconds) * time.Second
	client := opentera.NewClient(cfg.OpenTeraURL(), doer, timeout, cfg.OpenTeraInsecure())
	result, err := client.Register(ctx, registerKey, opentera.Registration{
		Name:    device,
		TypeKey: strings.TrimSpace(typeKey),
		Subtype: strings.TrimSpace(subtype),
	})
	if err != nil {
		return false, fmt.Errorf("register %s: %w", device, err)
	}
	return store.Update(device, result.Token)
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", 8) + token[len(token)-4:]
}
