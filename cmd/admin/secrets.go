package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/api200/gateway/internal/config"
	"github.com/api200/gateway/internal/secrets"
	"github.com/spf13/cobra"
)

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Encrypt or decrypt third-party credentials with ENCRYPTION_KEY",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "encrypt [plaintext]",
		Short: "Encrypt a credential (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := loadCodec()
			if err != nil {
				return err
			}
			plaintext, err := argOrStdin(args)
			if err != nil {
				return err
			}
			out, err := codec.Encrypt(plaintext)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "decrypt [iv:tag:ciphertext]",
		Short: "Decrypt a stored credential (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := loadCodec()
			if err != nil {
				return err
			}
			secret, err := argOrStdin(args)
			if err != nil {
				return err
			}
			out, err := codec.Decrypt(secret)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	})

	return cmd
}

func loadCodec() (*secrets.Codec, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Secrets.EncryptionKey == "" {
		return nil, secrets.ErrNoKey
	}
	return secrets.NewCodecFromHex(cfg.Secrets.EncryptionKey)
}

func argOrStdin(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
