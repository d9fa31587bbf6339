package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/api200/gateway/internal/auth"
	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/secrets"
	"github.com/api200/gateway/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// seedFile describes one tenant with its services and endpoints, as JSON or
// YAML. Service credentials are given in plaintext and encrypted before they
// are stored.
type seedFile struct {
	Tenant   models.Tenant `json:"tenant"`
	Services []seedService `json:"services"`
}

type seedService struct {
	Name      string                  `json:"name"`
	BaseURL   string                  `json:"base_url"`
	Auth      models.AuthColumns      `json:"auth"`
	Endpoints []models.EndpointPolicy `json:"endpoints"`
}

type seedResult struct {
	TenantID  string
	APIKey    string
	Services  int
	Endpoints int
}

func seedCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "seed <file.json|file.yaml>",
		Short: "Create a tenant with services and endpoints from a seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open seed file: %w", err)
			}
			defer f.Close()

			var src io.Reader = f
			switch strings.ToLower(filepath.Ext(args[0])) {
			case ".yaml", ".yml":
				if src, err = yamlToJSON(f); err != nil {
					return err
				}
			}

			plan, err := parseSeedFile(src)
			if err != nil {
				return err
			}

			if dryRun {
				log.Println("=== DRY RUN MODE - No changes will be made ===")
				printPlan(cmd.OutOrStdout(), plan)
				return nil
			}

			cfg, _, st, closeDB, err := openStore()
			if err != nil {
				return err
			}
			defer closeDB()

			codec, err := secrets.NewCodecFromHex(cfg.Secrets.EncryptionKey)
			if err != nil {
				return err
			}

			res, err := applySeed(context.Background(), st, codec, plan)
			if err != nil {
				return err
			}

			log.Println("=== Seeding Complete ===")
			fmt.Printf("Tenant:    %s\n", res.TenantID)
			fmt.Printf("Services:  %d\n", res.Services)
			fmt.Printf("Endpoints: %d\n", res.Endpoints)
			fmt.Printf("API key:   %s\n", res.APIKey)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print what would be created without actually creating")
	return cmd
}

func parseSeedFile(r io.Reader) (*seedFile, error) {
	var plan seedFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}

	if plan.Tenant.Email == "" {
		return nil, fmt.Errorf("invalid seed file: tenant.email is required")
	}
	for _, svc := range plan.Services {
		if svc.Name == "" {
			return nil, fmt.Errorf("invalid seed file: service name is required")
		}
		if _, err := svc.Auth.AuthConfig(); err != nil {
			return nil, fmt.Errorf("invalid seed file: service %s: %w", svc.Name, err)
		}
		for _, ep := range svc.Endpoints {
			if ep.Method == "" || ep.Path == "" {
				return nil, fmt.Errorf("invalid seed file: service %s: endpoint method and path are required", svc.Name)
			}
		}
	}
	return &plan, nil
}

// yamlToJSON re-encodes a YAML document so the JSON tags on the models
// drive decoding for both formats.
func yamlToJSON(r io.Reader) (io.Reader, error) {
	var doc interface{}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}
	return bytes.NewReader(out), nil
}

func printPlan(w io.Writer, plan *seedFile) {
	fmt.Fprintf(w, "Would create tenant %s (limit %d/month) with an API key\n", plan.Tenant.Email, plan.Tenant.MonthlyCallLimit)
	for _, svc := range plan.Services {
		fmt.Fprintf(w, "  service %s -> %s (auth %s)\n", svc.Name, svc.BaseURL, svc.Auth.Type)
		for _, ep := range svc.Endpoints {
			fmt.Fprintf(w, "    %s %s\n", ep.Method, ep.Path)
		}
	}
	fmt.Fprintln(w, "\nTo proceed, run without --dry-run flag")
}

type encrypter interface {
	Encrypt(plaintext string) (string, error)
}

func applySeed(ctx context.Context, st store.Store, codec encrypter, plan *seedFile) (*seedResult, error) {
	tenant := plan.Tenant
	if err := st.CreateTenant(ctx, &tenant); err != nil {
		return nil, err
	}

	rawKey, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, err
	}
	if err := st.CreateAPIKey(ctx, tenant.ID, store.HashKey(rawKey)); err != nil {
		return nil, err
	}

	res := &seedResult{TenantID: tenant.ID, APIKey: rawKey}
	for _, s := range plan.Services {
		cols := s.Auth
		if cols.Secret != "" {
			if cols.Secret, err = codec.Encrypt(cols.Secret); err != nil {
				return nil, fmt.Errorf("service %s: %w", s.Name, err)
			}
		}
		authCfg, err := cols.AuthConfig()
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", s.Name, err)
		}

		svc := &models.Service{TenantID: tenant.ID, Name: s.Name, BaseURL: s.BaseURL, Auth: authCfg}
		if err := st.CreateService(ctx, svc); err != nil {
			return nil, err
		}
		res.Services++

		for i := range s.Endpoints {
			ep := s.Endpoints[i]
			ep.ServiceID = svc.ID
			if err := st.CreateEndpoint(ctx, &ep); err != nil {
				return nil, err
			}
			res.Endpoints++
		}
	}
	return res, nil
}
