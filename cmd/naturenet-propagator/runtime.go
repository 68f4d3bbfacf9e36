package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/naturenet/naturenet-node/internal/config"
	"github.com/naturenet/naturenet-node/internal/database"
	"github.com/naturenet/naturenet-node/internal/datastore"
	"github.com/naturenet/naturenet-node/internal/geoindex"
	"github.com/naturenet/naturenet-node/internal/logging"
	"github.com/naturenet/naturenet-node/internal/notify"
	"github.com/naturenet/naturenet-node/internal/propagation"
	"github.com/naturenet/naturenet-node/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const mongoConnectTimeout = 15 * time.Second

// runtime holds the components shared by every subcommand.
type runtime struct {
	config   config.AppConfig
	logger   *zap.Logger
	backend  datastore.Backend
	store    *datastore.Store
	accounts *users.Service
	engine   *propagation.Engine
	closers  []func() error
}

func openRuntime(ctx context.Context) (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	rt := &runtime{config: appConfig, logger: logger}
	if err := rt.build(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) build(ctx context.Context) error {
	db, err := database.OpenSQLite(rt.config.DatabasePath, rt.logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, sqlDB.Close)

	rt.backend, err = rt.openBackend(ctx, db)
	if err != nil {
		return err
	}
	rt.store, err = datastore.New(datastore.Config{Backend: rt.backend, Clock: time.Now, Logger: rt.logger})
	if err != nil {
		return err
	}

	geo, err := geoindex.New(geoindex.Config{Store: rt.store, Logger: rt.logger})
	if err != nil {
		return err
	}

	rt.accounts, err = users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: rt.logger})
	if err != nil {
		return err
	}

	notifier, err := rt.openNotifier()
	if err != nil {
		return err
	}

	siteNames := map[string]string{}
	if rt.config.SitesCatalogPath != "" {
		sites, err := config.LoadSiteCatalog(rt.config.SitesCatalogPath)
		if err != nil {
			return err
		}
		siteNames = config.SiteNames(sites)
	}

	rt.engine, err = propagation.NewEngine(propagation.EngineConfig{
		Store:               rt.store,
		Geo:                 geo,
		Accounts:            rt.accounts,
		Notifier:            notifier,
		Clock:               time.Now,
		Logger:              rt.logger,
		DevEmails:           rt.config.DevEmails,
		ElsewhereSite:       rt.config.ElsewhereSite,
		SiteNames:           siteNames,
		InactivityThreshold: rt.config.InactivityThreshold(),
		WelcomeAttempts:     rt.config.WelcomeAttempts,
		WelcomeRetryDelay:   rt.config.WelcomeRetryDelay,
	})
	return err
}

func (rt *runtime) openBackend(ctx context.Context, db *gorm.DB) (datastore.Backend, error) {
	switch rt.config.StoreBackend {
	case config.StoreBackendSQLite:
		return datastore.NewSQLiteBackend(db, time.Now)
	case config.StoreBackendMongo:
		connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
		defer cancel()
		client, mongoDatabase, err := database.OpenMongo(connectCtx, rt.config.MongoURI, rt.config.MongoDatabase, rt.logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { return client.Disconnect(context.Background()) })
		return datastore.NewMongoBackend(mongoDatabase, time.Now)
	case config.StoreBackendMemory:
		rt.logger.Warn("using in-memory record store, data is lost on exit")
		return datastore.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", rt.config.StoreBackend)
	}
}

func (rt *runtime) openNotifier() (notify.Notifier, error) {
	if rt.config.NotifyMode != config.NotifyModeLive {
		return notify.NewLogNotifier(rt.logger), nil
	}
	mailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:          rt.config.SMTP.Host,
		Port:          rt.config.SMTP.Port,
		Username:      rt.config.SMTP.Username,
		Password:      rt.config.SMTP.Password,
		From:          rt.config.SMTP.From,
		FromName:      rt.config.SMTP.FromName,
		UseTLS:        rt.config.SMTP.UseTLS,
		RatePerSecond: rt.config.NotifyRatePerSecond,
		Logger:        rt.logger,
	})
	if err != nil {
		return nil, err
	}
	push, err := notify.NewPushGateway(notify.PushGatewayConfig{
		Endpoint:      rt.config.Push.Endpoint,
		ServerKey:     rt.config.Push.ServerKey,
		RatePerSecond: rt.config.NotifyRatePerSecond,
		Logger:        rt.logger,
	})
	if err != nil {
		return nil, err
	}
	return notify.NewLive(mailer, push)
}

// Close releases database handles in reverse order of acquisition.
func (rt *runtime) Close() {
	var closeErr error
	for index := len(rt.closers) - 1; index >= 0; index-- {
		closeErr = errors.Join(closeErr, rt.closers[index]())
	}
	if closeErr != nil {
		rt.logger.Warn("failed to release resources", zap.Error(closeErr))
	}
	_ = rt.logger.Sync()
}
