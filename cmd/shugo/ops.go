package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/shugo"
	"github.com/ashita-ai/shugo/internal/auth"
	"github.com/ashita-ai/shugo/internal/config"
	"github.com/ashita-ai/shugo/internal/events"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/server"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/service/retention"
	"github.com/ashita-ai/shugo/internal/service/workspace"
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Trace retention",
}

var retentionSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Enforce every tenant's retention policy once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()
		store, closeFn, cfg, err := openStore(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer closeFn()

		auditSvc := audit.New(store, events.Noop{}, logger)
		svc := retention.New(store, auditSvc, cfg.RetentionConcurrency, logger)
		res, err := svc.EnforceAll(cmd.Context(), shugo.RetentionActor)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Workspace versions",
}

var workspaceHashCmd = &cobra.Command{
	Use:   "hash [dir]",
	Short: "Print the version hash of a directory without recording it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := workspace.FSLoader{Dir: args[0]}.Load(cmd.Context())
		if err != nil {
			return err
		}
		hash, manifest, err := workspace.HashFiles(files)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"hash": hash, "files": manifest})
	},
}

var (
	wsTenant  string
	wsID      string
	wsMessage string
	wsActor   string
)

var workspaceRecordCmd = &cobra.Command{
	Use:   "record [dir]",
	Short: "Record a directory as a new workspace version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		store, closeFn, cfg, err := openStore(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer closeFn()

		svc, err := workspace.NewWithCacheBytes(store, audit.New(store, events.Noop{}, logger), nil, cfg.WorkspaceCacheBytes, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		actor := model.Actor{ID: wsActor, Role: model.RoleOperator, TenantID: wsTenant}
		v, created, err := svc.RecordFromLoader(cmd.Context(), wsTenant, wsID, workspace.FSLoader{Dir: args[0]}, wsMessage, actor)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"version": v, "created": created})
	},
}

var (
	principalTenant string
	principalActor  string
	principalRole   string
)

var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "API principals",
}

var principalCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a principal and print its API key once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()
		store, closeFn, _, err := openStore(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer closeFn()

		p, key, err := server.NewPrincipal(principalTenant, principalActor, model.Role(principalRole))
		if err != nil {
			return err
		}
		if err := store.CreatePrincipal(cmd.Context(), p); err != nil {
			return err
		}
		return printJSON(map[string]any{
			"tenant_id": p.TenantID,
			"actor":     p.Actor,
			"role":      p.Role,
			"api_key":   key,
		})
	},
}

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a bearer token signed with the configured key pair",
	RunE: func(*cobra.Command, []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWTPrivateKeyPath == "" {
			return fmt.Errorf("SHUGO_JWT_PRIVATE_KEY and SHUGO_JWT_PUBLIC_KEY are required; an ephemeral key would sign a token no server accepts")
		}
		ttl := cfg.JWTExpiration
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		mgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, ttl)
		if err != nil {
			return err
		}
		token, exp, err := mgr.IssueToken(model.Principal{
			TenantID: principalTenant,
			Actor:    principalActor,
			Role:     model.Role(principalRole),
		})
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"token": token, "expires_at": exp})
	},
}

func init() {
	retentionCmd.AddCommand(retentionSweepCmd)

	workspaceCmd.AddCommand(workspaceHashCmd, workspaceRecordCmd)
	workspaceRecordCmd.Flags().StringVar(&wsTenant, "tenant", "", "Tenant ID (required)")
	workspaceRecordCmd.Flags().StringVar(&wsID, "workspace", "", "Workspace ID (required)")
	workspaceRecordCmd.Flags().StringVar(&wsMessage, "message", "", "Version message")
	workspaceRecordCmd.Flags().StringVar(&wsActor, "actor", "cli", "Actor recorded in the audit log")
	_ = workspaceRecordCmd.MarkFlagRequired("tenant")
	_ = workspaceRecordCmd.MarkFlagRequired("workspace")

	principalCmd.AddCommand(principalCreateCmd)
	tokenCmd.AddCommand(tokenIssueCmd)
	for _, c := range []*cobra.Command{principalCreateCmd, tokenIssueCmd} {
		c.Flags().StringVar(&principalTenant, "tenant", "", "Tenant ID (required)")
		c.Flags().StringVar(&principalActor, "actor", "", "Actor name (required)")
		c.Flags().StringVar(&principalRole, "role", string(model.RoleAgent), "Role: admin, operator, agent or reader")
		_ = c.MarkFlagRequired("tenant")
		_ = c.MarkFlagRequired("actor")
	}
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (defaults to SHUGO_JWT_EXPIRATION)")
}
