package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vpetrenko/todoauth/internal/authkit"
	"github.com/vpetrenko/todoauth/internal/authkitpg"
	"github.com/vpetrenko/todoauth/internal/web"
	"github.com/vpetrenko/todoauth/pkg/tokenvalidator"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "todoauth",
		Short:   "Auth service with credential login, lockout tracking, JWT sessions, and refresh token lifecycle",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	rootCmd.Flags().String("jwt_issuer", "todoauth", "Issuer claim stamped into access tokens")
	rootCmd.Flags().String("jwt_audience", "", "Audience claim stamped into access tokens; empty to omit")
	rootCmd.Flags().Int("access_token_minutes", 30, "Access token lifetime in minutes")
	rootCmd.Flags().Int("refresh_token_minutes", 60*24, "Refresh token lifetime in minutes")
	rootCmd.Flags().Bool("extend_refresh_on_renew", true, "Slide refresh expiry forward on each renewal")
	rootCmd.Flags().Bool("enforce_absolute_lifetime", false, "Revoke refresh tokens that outlive the absolute window regardless of sliding renewals")
	rootCmd.Flags().Int("absolute_lifetime_minutes", 60*24*7, "Absolute refresh lifetime in minutes when enforcement is enabled")
	rootCmd.Flags().Int("retention_days", 2, "Days to keep revoked and expired refresh tokens before pruning")
	rootCmd.Flags().Bool("single_refresh_token_per_account", false, "Reuse one refresh token per account instead of one per login")
	rootCmd.Flags().Bool("single_login", false, "Deny new logins while an account holds an active session")
	rootCmd.Flags().Int("max_failed_attempts", 4, "Failed password attempts before the account locks")
	rootCmd.Flags().Int("lockout_minutes", 5, "Lockout duration in minutes")
	rootCmd.Flags().String("client_id", "", "Client ID expected on the token endpoint password grant")
	rootCmd.Flags().String("client_secret", "", "Client secret expected on the token endpoint password grant")
	rootCmd.Flags().String("database_url", "", "Database URL (postgres://, pgx:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	for _, flagName := range []string{
		"listen_addr", "jwt_signing_key", "jwt_issuer", "jwt_audience",
		"access_token_minutes", "refresh_token_minutes",
		"extend_refresh_on_renew", "enforce_absolute_lifetime",
		"absolute_lifetime_minutes", "retention_days",
		"single_refresh_token_per_account", "single_login",
		"max_failed_attempts", "lockout_minutes",
		"client_id", "client_secret",
		"database_url", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingJWTSigningKey = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL     = "config.invalid_access_token_minutes"
	configCodeInvalidRefreshTTL    = "config.invalid_refresh_token_minutes"
	configCodeInvalidMaxAttempts   = "config.invalid_max_failed_attempts"
	configCodeInvalidLockout       = "config.invalid_lockout_minutes"
	configCodeInvalidAbsoluteLife  = "config.invalid_absolute_lifetime_minutes"
	configCodeUninitializedServer  = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	_ = godotenv.Load()

	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessMinutes := viper.GetInt("access_token_minutes")
	if accessMinutes <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_token_minutes must be greater than zero")
	}

	refreshMinutes := viper.GetInt("refresh_token_minutes")
	if refreshMinutes <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_token_minutes must be greater than zero")
	}

	maxFailedAttempts := viper.GetInt("max_failed_attempts")
	if maxFailedAttempts <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidMaxAttempts, "max_failed_attempts must be greater than zero")
	}

	lockoutMinutes := viper.GetInt("lockout_minutes")
	if lockoutMinutes <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidLockout, "lockout_minutes must be greater than zero")
	}

	enforceAbsolute := viper.GetBool("enforce_absolute_lifetime")
	absoluteMinutes := viper.GetInt("absolute_lifetime_minutes")
	if enforceAbsolute && absoluteMinutes <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAbsoluteLife, "absolute_lifetime_minutes must be greater than zero when enforcement is enabled")
	}

	retentionDays := viper.GetInt("retention_days")
	if retentionDays <= 0 {
		retentionDays = 2
	}

	return authkit.ServerConfig{
		SigningKey:                   []byte(jwtSigningKey),
		Issuer:                       viper.GetString("jwt_issuer"),
		Audience:                     viper.GetString("jwt_audience"),
		AccessTokenTTL:               time.Duration(accessMinutes) * time.Minute,
		RefreshTokenTTL:              time.Duration(refreshMinutes) * time.Minute,
		ExtendRefreshOnRenew:         viper.GetBool("extend_refresh_on_renew"),
		EnforceAbsoluteLifetime:      enforceAbsolute,
		AbsoluteLifetime:             time.Duration(absoluteMinutes) * time.Minute,
		RetentionWindow:              time.Duration(retentionDays) * 24 * time.Hour,
		SingleRefreshTokenPerAccount: viper.GetBool("single_refresh_token_per_account"),
		SingleLoginEnforced:          viper.GetBool("single_login"),
		MaxFailedAttempts:            maxFailedAttempts,
		LockoutDuration:              time.Duration(lockoutMinutes) * time.Minute,
		ClientID:                     viper.GetString("client_id"),
		ClientSecret:                 viper.GetString("client_secret"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServer, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	store, storeCloser, storeErr := buildStore(command.Context(), logger, databaseURL)
	if storeErr != nil {
		return storeErr
	}
	defer storeCloser()

	metricsRecorder := authkit.NewCounterMetrics()
	service := authkit.NewService(store, serverConfig, authkit.ServiceOptions{
		Clock:   authkit.NewSystemClock(),
		Logger:  logger,
		Metrics: metricsRecorder,
	})

	adminValidator, validatorErr := tokenvalidator.New(tokenvalidator.Config{
		SigningKey: serverConfig.SigningKey,
		Issuer:     serverConfig.Issuer,
		Audience:   serverConfig.Audience,
	})
	if validatorErr != nil {
		return validatorErr
	}

	authkit.MountAuthRoutes(router, service, serverConfig, adminValidator.GinMiddleware(tokenvalidator.DefaultContextKey))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildStore(ctx context.Context, logger *zap.Logger, databaseURL string) (authkit.Store, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch {
	case databaseURL == "":
		logger.Info("using in-memory account store")
		return authkit.NewMemoryStore(), func() {}, nil
	case strings.HasPrefix(databaseURL, "pgx://"):
		pgStore, storeErr := authkitpg.Open(ctx, "postgres://"+strings.TrimPrefix(databaseURL, "pgx://"))
		if storeErr != nil {
			return nil, nil, storeErr
		}
		logger.Info("using pgx account store")
		return pgStore, pgStore.Close, nil
	default:
		persistentStore, storeErr := authkit.NewDatabaseStore(ctx, databaseURL)
		if storeErr != nil {
			return nil, nil, storeErr
		}
		logger.Info("using persistent account store", zap.String("driver", persistentStore.Driver()))
		return persistentStore, func() {}, nil
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
