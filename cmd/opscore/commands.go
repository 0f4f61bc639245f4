package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/adapters/auditexport"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/adapters/httpapi"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/blob"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/config"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/core"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/infra/persistence/memory"
)

func withRuntime(ctx context.Context, root *rootOptions, cmd *cobra.Command, fn func(*runtime) error) error {
	rt, err := openRuntime(ctx, root.configPath, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables for every entity kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), root, cmd, func(rt *runtime) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "migrated %d kinds on %s\n", len(rt.svc.Kinds()), rt.cfg.Storage.Driver)
				return err
			})
		},
	}
}

type kindInfo struct {
	Kind        string              `json:"kind"`
	Initial     string              `json:"initial_status,omitempty"`
	Transitions map[string][]string `json:"transitions,omitempty"`
}

// describeKinds lists every registered kind with its transition graph.
// Kinds without a lifecycle carry no transitions.
func describeKinds(cfg *config.Config) []kindInfo {
	var opts []core.Option
	if kinds := cfg.Kinds(); len(kinds) > 0 {
		opts = append(opts, core.WithRecordKinds(kinds...))
	}
	svc := core.NewService(memory.NewStore(), opts...)
	var out []kindInfo
	for _, kind := range svc.Kinds() {
		info := kindInfo{Kind: string(kind)}
		if table, ok := svc.Transitions(kind); ok {
			info.Initial = string(table.Initial())
			info.Transitions = map[string][]string{}
			for _, from := range table.Statuses() {
				for _, to := range table.Allowed(from) {
					info.Transitions[string(from)] = append(info.Transitions[string(from)], string(to))
				}
			}
		}
		out = append(out, info)
	}
	return out
}

func newKindsCommand(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "kinds",
		Short: "List entity kinds and their status transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			kinds := describeKinds(cfg)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), kinds)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tINITIAL\tTRANSITIONS")
			for _, info := range kinds {
				froms := make([]string, 0, len(info.Transitions))
				for from := range info.Transitions {
					froms = append(froms, from)
				}
				sort.Strings(froms)
				edges := make([]string, 0, len(froms))
				for _, from := range froms {
					edges = append(edges, from+"->"+strings.Join(info.Transitions[from], "|"))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Kind, dash(info.Initial), dash(strings.Join(edges, " ")))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newAuditCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail archives",
	}

	var (
		tenant string
		since  string
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Write a tenant's audit trail to the archive store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := auditexport.Request{TenantID: tenant, RequestedBy: "cli"}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since must be RFC 3339: %w", err)
				}
				req.Since = t
			}
			return withRuntime(cmd.Context(), root, cmd, func(rt *runtime) error {
				store, err := blob.Open(cmd.Context(), rt.cfg.BlobStore())
				if err != nil {
					return err
				}
				archive, err := auditexport.New(rt.svc, store, auditexport.WithLogger(rt.logger)).Export(cmd.Context(), req)
				if err != nil {
					return err
				}
				if archive.Key == "" {
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "no audit entries for %s\n", tenant)
					return err
				}
				return printJSON(cmd.OutOrStdout(), archive)
			})
		},
	}
	export.Flags().StringVar(&tenant, "tenant", "", "tenant to export (required)")
	export.Flags().StringVar(&since, "since", "", "only entries at or after this RFC 3339 time")
	_ = export.MarkFlagRequired("tenant")

	var listTenant string
	list := &cobra.Command{
		Use:   "list",
		Short: "List archives written for a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			store, err := blob.Open(cmd.Context(), cfg.BlobStore())
			if err != nil {
				return err
			}
			archives, err := auditexport.New(nil, store).Archives(cmd.Context(), listTenant)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), archives)
		},
	}
	list.Flags().StringVar(&listTenant, "tenant", "", "tenant whose archives to list (required)")
	_ = list.MarkFlagRequired("tenant")

	cmd.AddCommand(export, list)
	return cmd
}

func newIdempotencyCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idempotency",
		Short: "Idempotency receipt maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete receipts older than the configured TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), root, cmd, func(rt *runtime) error {
				n, err := rt.svc.PurgeExpiredReceipts(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %d receipts older than %s\n", n, rt.cfg.Idempotency.TTL)
				return err
			})
		},
	})
	return cmd
}

func newTokenCommand(root *rootOptions) *cobra.Command {
	var (
		tenant  string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development access token with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			auth := httpapi.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
			if auth == nil {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			tok, err := auth.Issue(tenant, subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant_id claim (required)")
	cmd.Flags().StringVar(&subject, "subject", "", "acting user")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
