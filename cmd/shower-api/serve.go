package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/config"
	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/database"
	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/localstore"
	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/server"
	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/supabase"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Data URIs grow the photo by a third; the remaining fields fit in the slack.
const requestBodySlack = 64 << 10

type messageStore struct {
	table      messages.Table
	blobs      messages.BlobStore
	feed       messages.ChangeFeed
	photoRoute string
	photoDir   string
	close      func()
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := appConfig.ResolvedProvider()
	store, err := openMessageStore(appConfig, provider, logger)
	if err != nil {
		return err
	}
	defer store.close()

	dispatcher := changefeed.NewDispatcher()
	var publisher messages.Publisher = dispatcher
	if appConfig.ChangeFeed.RedisURL != "" {
		redisClient, err := changefeed.OpenRedis(signalCtx, appConfig.ChangeFeed.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close() //nolint:errcheck

		relay, err := changefeed.NewRedisRelay(changefeed.RedisRelayConfig{
			Client:  redisClient,
			Channel: appConfig.ChangeFeed.RedisChannel,
			Local:   dispatcher,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := relay.Run(signalCtx); err != nil {
				logger.Error("change feed relay stopped", zap.Error(err))
			}
		}()
		publisher = relay
	}

	if store.feed != nil {
		stopFeed, err := store.feed.Subscribe(signalCtx, dispatcher.Publish)
		if err != nil {
			return err
		}
		defer stopFeed()
	}

	service, err := messages.NewService(messages.ServiceConfig{
		Table:         store.table,
		Blobs:         store.blobs,
		Publisher:     publisher,
		Clock:         time.Now,
		MaxPhotoBytes: appConfig.PhotoMaxBytes,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Messages:     service,
		Stream:       dispatcher,
		StoreMode:    string(provider),
		PhotoRoute:   store.photoRoute,
		PhotoDir:     store.photoDir,
		MaxBodyBytes: appConfig.PhotoMaxBytes*4/3 + requestBodySlack,
		CORSOrigins:  appConfig.CORSOrigins,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: appConfig.RateLimit.RequestsPerSecond,
			Burst:             appConfig.RateLimit.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store", string(provider)),
			zap.String("photo_limit", humanize.Bytes(uint64(appConfig.PhotoMaxBytes))),
		)
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

func openMessageStore(appConfig config.AppConfig, provider config.Provider, logger *zap.Logger) (messageStore, error) {
	switch provider {
	case config.ProviderSupabase:
		client, err := supabase.NewClient(supabase.Config{
			BaseURL:   appConfig.Remote.URL,
			APIKey:    appConfig.Remote.ServerKey(),
			JWTSecret: appConfig.Remote.JWTSecret,
			Table:     appConfig.Remote.Table,
			Bucket:    appConfig.Remote.Bucket,
			Timeout:   appConfig.Remote.Timeout,
			Logger:    logger,
		})
		if err != nil {
			return messageStore{}, err
		}
		return messageStore{table: client, blobs: client, feed: client, close: func() {}}, nil

	case config.ProviderSQL:
		db, err := database.Open(appConfig.DatabaseDSN, logger)
		if err != nil {
			return messageStore{}, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return messageStore{}, err
		}
		table, err := database.NewMessageTable(database.MessageTableConfig{Database: db})
		if err != nil {
			sqlDB.Close() //nolint:errcheck
			return messageStore{}, err
		}
		blobs, err := localstore.NewDiskBlobs(appConfig.Local.PhotoDir, appConfig.Local.PhotoBaseURL)
		if err != nil {
			sqlDB.Close() //nolint:errcheck
			return messageStore{}, err
		}
		return messageStore{
			table:      table,
			blobs:      blobs,
			photoRoute: appConfig.Local.PhotoBaseURL,
			photoDir:   appConfig.Local.PhotoDir,
			close:      func() { _ = sqlDB.Close() },
		}, nil

	case config.ProviderLocal:
		table, err := localstore.NewJSONFile(localstore.JSONFileConfig{Path: appConfig.Local.DataFile})
		if err != nil {
			return messageStore{}, err
		}
		blobs, err := localstore.NewDiskBlobs(appConfig.Local.PhotoDir, appConfig.Local.PhotoBaseURL)
		if err != nil {
			return messageStore{}, err
		}
		return messageStore{
			table:      table,
			blobs:      blobs,
			photoRoute: appConfig.Local.PhotoBaseURL,
			photoDir:   appConfig.Local.PhotoDir,
			close:      func() {},
		}, nil

	default:
		return messageStore{}, fmt.Errorf("unsupported provider %q", provider)
	}
}
