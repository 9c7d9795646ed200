package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/healthprep/healthprep/internal/domain/documents"
	"github.com/healthprep/healthprep/internal/domain/emrsync"
	"github.com/healthprep/healthprep/internal/domain/identity"
	"github.com/healthprep/healthprep/internal/domain/patient"
	"github.com/healthprep/healthprep/internal/domain/prepsheet"
	"github.com/healthprep/healthprep/internal/domain/screening"
	"github.com/healthprep/healthprep/internal/domain/tenant"
	"github.com/healthprep/healthprep/internal/platform/db"
	"github.com/healthprep/healthprep/internal/platform/jobs"
	"github.com/healthprep/healthprep/internal/platform/middleware"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

const sessionTTL = 12 * time.Hour

func main() {
	root := &cobra.Command{
		Use:     "healthprep-server",
		Short:   "HealthPrep clinical screening preparation server",
		Version: version,
	}
	root.AddCommand(serveCmd(), workerCmd(), migrateCmd(), tenantCmd(), userCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return runServer(ctx, a)
		},
	}
}

func runServer(ctx context.Context, a *app) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.log))
	e.Use(middleware.Recovery(a.log))
	e.Use(middleware.SecurityHeaders())
	e.Use(a.tele.HTTPMetrics())

	e.GET("/health", func(c echo.Context) error {
		hs := db.CheckHealth(c.Request().Context(), a.pool)
		code := http.StatusOK
		if !hs.Healthy {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, hs)
	})
	e.GET("/metrics", a.tele.Handler())

	rl := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
	})

	identityHandler := identity.NewHandler(a.identity, a.sessionSecret, sessionTTL)
	emrHandler := emrsync.NewHandler(a.syncer, a.factory)

	// Unauthenticated surface: login and the EMR OAuth redirect target.
	pub := e.Group("/api/v1", rl)
	identityHandler.RegisterPublicRoutes(pub)
	emrHandler.RegisterPublicRoutes(pub)

	api := e.Group("/api/v1", rl, middleware.Session(a.sessionSecret))
	identityHandler.RegisterRoutes(api)
	tenant.NewHandler(a.tenants).RegisterRoutes(api)
	patient.NewHandler(a.patientSvc).RegisterRoutes(api)
	screening.NewHandler(a.screenSvc, a.engine).RegisterRoutes(api)
	documents.NewHandler(a.documents).RegisterRoutes(api)
	prepsheet.NewHandler(a.prep).RegisterRoutes(api)
	emrHandler.RegisterRoutes(api)
	jobs.NewHandler(a.jobs).RegisterRoutes(api)

	go a.sampleStats(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("port", a.cfg.Port).Str("env", a.cfg.Env).Msg("server listening")
		if err := e.Start(":" + a.cfg.Port); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			pool := jobs.NewPool(jobs.PoolConfig{
				Repo:    a.jobsRepo,
				Workers: a.cfg.WorkerCount,
				Metrics: a.tele,
				Logger:  a.log,
			})
			pool.Register(jobs.KindBatchSync, a.runBatchSync)
			pool.Register(jobs.KindPrepSheets, a.runPrepSheets)
			go a.sampleStats(ctx)

			a.log.Info().Int("workers", a.cfg.WorkerCount).Msg("worker pool starting")
			return pool.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := buildApp(ctx)
				if err != nil {
					return err
				}
				defer a.Close()

				n, err := db.NewMigrator(a.pool, "./migrations").Up(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("applied %d migration(s)\n", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := buildApp(ctx)
				if err != nil {
					return err
				}
				defer a.Close()

				statuses, err := db.NewMigrator(a.pool, "./migrations").Status(ctx)
				if err != nil {
					return err
				}
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied " + s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Printf("%04d %-40s %s\n", s.Version, s.Name, state)
				}
				return nil
			},
		},
	)
	return cmd
}

// rootPrincipal is the operator identity CLI commands act under.
func rootPrincipal() scope.Principal {
	return scope.Principal{Role: scope.RoleRootAdmin}
}

func uuidArg(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenant organizations",
	}

	var (
		name    string
		sandbox bool
	)
	onboard := &cobra.Command{
		Use:   "onboard",
		Short: "Onboard a new organization (starts pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			o := &tenant.Organization{Name: name, Status: tenant.StatusPending, Sandbox: sandbox}
			if err := a.tenants.Onboard(ctx, rootPrincipal(), o); err != nil {
				return err
			}
			fmt.Printf("organization %s onboarded: %s\n", o.Name, o.ID)
			return nil
		},
	}
	onboard.Flags().StringVar(&name, "name", "", "organization name")
	onboard.Flags().BoolVar(&sandbox, "sandbox", false, "mark the organization's EMR connection as sandbox")
	onboard.MarkFlagRequired("name")

	approve := &cobra.Command{
		Use:   "approve <org-id>",
		Short: "Activate a pending organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuidArg(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.tenants.Approve(ctx, rootPrincipal(), id); err != nil {
				return err
			}
			fmt.Printf("organization %s approved\n", id)
			return nil
		},
	}

	cmd.AddCommand(onboard, approve)
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var (
		email    string
		role     string
		tenantID string
		password string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			u := &identity.User{Email: email, Role: scope.Role(role), Active: true}
			if tenantID != "" {
				id, err := uuidArg(tenantID)
				if err != nil {
					return err
				}
				u.TenantID = &id
			}
			if err := a.identity.CreateUser(ctx, rootPrincipal(), u, password); err != nil {
				return err
			}
			fmt.Printf("user %s created: %s\n", u.Email, u.ID)
			return nil
		},
	}
	create.Flags().StringVar(&email, "email", "", "login email")
	create.Flags().StringVar(&role, "role", "staff", "role: root_admin, admin, nurse, staff, or practitioner")
	create.Flags().StringVar(&tenantID, "tenant", "", "tenant organization id (omit for root_admin)")
	create.Flags().StringVar(&password, "password", "", "initial password")
	create.MarkFlagRequired("email")
	create.MarkFlagRequired("password")

	cmd.AddCommand(create)
	return cmd
}
