package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/config"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/database"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/gradebook"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/launch"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/links"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/resources"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/server"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/services"
	syncpkg "github.com/MarcoPoloResearchLab/ltibridge/backend/internal/sync"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ltibridge-api",
		Short: "LTI Advantage tool backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Tool session token TTL in minutes")
	cmd.PersistentFlags().Int("member-sync-interval-minutes", defaults.GetInt("sync.member_interval_minutes"), "Roster sync interval in minutes")
	cmd.PersistentFlags().Int("grade-sync-interval-minutes", defaults.GetInt("sync.grade_interval_minutes"), "Grade sync interval in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "sync.member_interval_minutes", "member-sync-interval-minutes")
	bindFlag(cmd, "sync.grade_interval_minutes", "grade-sync-interval-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	outboundClient := &http.Client{Timeout: appConfig.OutboundTimeout}

	directory, err := platform.NewDirectory(db)
	if err != nil {
		return err
	}

	verifier, err := platform.NewVerifier(platform.VerifierConfig{
		Directory:  directory,
		HTTPClient: outboundClient,
		CacheTTL:   appConfig.JWKSCacheTTL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessionIssuer := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        "ltibridge-auth",
		Audience:      "ltibridge-api",
		TokenTTL:      appConfig.SessionTTL,
	})

	identityService, err := users.NewService(users.ServiceConfig{
		Database:          db,
		PlaceholderDomain: appConfig.PlaceholderDomain,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	resourceRepo, err := resources.NewRepository(db)
	if err != nil {
		return err
	}
	contextRepo, err := links.NewContextRepository(db)
	if err != nil {
		return err
	}
	linkRepo, err := links.NewResourceLinkRepository(db)
	if err != nil {
		return err
	}
	enrolmentStore, err := enrollment.NewGormStore(db, nil)
	if err != nil {
		return err
	}
	gradeStore, err := gradebook.NewStore(db)
	if err != nil {
		return err
	}

	launchService, err := launch.NewService(launch.ServiceConfig{
		Directory:  directory,
		Identities: identityService,
		Resources:  resourceRepo,
		Contexts:   contextRepo,
		Links:      linkRepo,
		Enrolment:  enrolmentStore,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenSource := services.NewClientCredentialsSource(outboundClient, nil)
	clientFactory := func(registration platform.Registration) (syncpkg.PlatformClient, error) {
		return services.NewConnector(services.ConnectorConfig{
			Registration: registration,
			Tokens:       tokenSource,
			HTTPClient:   outboundClient,
			Logger:       logger,
		})
	}

	memberSync, err := syncpkg.NewMemberSync(syncpkg.MemberSyncConfig{
		Resources:  resourceRepo,
		Links:      linkRepo,
		Directory:  directory,
		Identities: identityService,
		Enrolment:  enrolmentStore,
		Clients:    clientFactory,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	gradeSync, err := syncpkg.NewGradeSync(syncpkg.GradeSyncConfig{
		Resources:  resourceRepo,
		Links:      linkRepo,
		Directory:  directory,
		Identities: identityService,
		Grades:     gradeStore,
		Clients:    clientFactory,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:      verifier,
		LaunchService: launchService,
		Sessions:      sessionIssuer,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runTask(signalCtx, logger, "member_sync", appConfig.MemberSyncInterval, func(taskCtx context.Context) error {
		_, err := memberSync.Run(taskCtx)
		return err
	})
	go runTask(signalCtx, logger, "grade_sync", appConfig.GradeSyncInterval, func(taskCtx context.Context) error {
		_, err := gradeSync.Run(taskCtx)
		return err
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runTask drives one scheduled task. Runs execute sequentially on the ticker,
// so two instances of the same task never overlap.
func runTask(ctx context.Context, logger *zap.Logger, name string, interval time.Duration, run func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				logger.Error("scheduled task failed", zap.String("task", name), zap.Error(err))
			}
		}
	}
}
