package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/config"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/database"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/logging"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/realtime"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/server"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// application holds the stores shared by the server and the admin commands.
type application struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
	users  *users.Service
	notes  *notes.Service
	tokens *auth.TokenIssuer
}

func openApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config: appConfig,
		logger: logger,
		db:     db,
		users:  userService,
		notes:  notesService,
		tokens: tokenIssuer,
	}, nil
}

func (a *application) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
	a.logger.Sync() //nolint:errcheck
}

func runServer(ctx context.Context) error {
	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	verifier, err := users.NewCredentialVerifier(app.tokens, app.users)
	if err != nil {
		return err
	}
	gate, err := realtime.NewGate(verifier, logger)
	if err != nil {
		return err
	}

	hubConfig := realtime.HubConfig{Logger: logger}
	if app.config.RedisURL != "" {
		backplane, err := realtime.NewRedisBackplane(realtime.RedisBackplaneConfig{
			URL:     app.config.RedisURL,
			Channel: app.config.RedisChannel,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer backplane.Close()
		hubConfig.Backplane = backplane
		logger.Info("redis backplane enabled", zap.String("channel", app.config.RedisChannel))
	}
	hub := realtime.NewHub(hubConfig)

	realtimeService, err := realtime.NewService(realtime.ServiceConfig{
		Hub:    hub,
		Access: app.notes,
		Notes:  app.notes,
		Session: realtime.SessionConfig{
			SendBuffer:      app.config.Realtime.SendBuffer,
			PingInterval:    app.config.Realtime.PingInterval,
			IdleTimeout:     app.config.Realtime.IdleTimeout,
			WriteTimeout:    app.config.Realtime.WriteTimeout,
			MaxMessageBytes: app.config.Realtime.MaxMessageBytes,
		},
		AllowedOrigins:    app.config.AllowedOrigins,
		RequireMembership: app.config.Realtime.RequireMembership,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gate:           gate,
		Realtime:       realtimeService,
		AllowedOrigins: app.config.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return hub.Run(hubCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.Info("server shutting down")
		if err := realtimeService.Shutdown(shutdownCtx); err != nil {
			logger.Warn("realtime shutdown incomplete", zap.Error(err))
		}
		stopHub()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
