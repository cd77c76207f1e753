// Channel Dispatcher daemon
//
// Resolves inbound and requested channels to the right combination of
// observing, approving and handling bus clients, and drives each batch
// through the Dispatch Context / Pipeline Engine until every channel
// reaches a terminal state.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/time/rate"

	"go.chandispatch.dev/internal/adminapi"
	busimpl "go.chandispatch.dev/internal/bus"
	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/common/lifecycle"
	"go.chandispatch.dev/internal/config"
	"go.chandispatch.dev/internal/dispatch"
	"go.chandispatch.dev/internal/inbound"
	"go.chandispatch.dev/internal/operation"
	"go.chandispatch.dev/internal/recovery"
	"go.chandispatch.dev/internal/registry"
	"go.chandispatch.dev/internal/requestentry"
	"go.chandispatch.dev/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("CHANDISPATCH_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	log.Info().Str("version", version).Str("build_time", buildTime).Msg("starting chandispatch dispatcherd")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mongoClient, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	if err := mongoClient.Ping(ctx, nil); err != nil {
		log.Fatal().Err(err).Msg("failed to ping MongoDB")
	}
	db := mongoClient.Database(cfg.MongoDB.Database)
	log.Info().Str("database", cfg.MongoDB.Database).Msg("connected to MongoDB")

	clientCache := store.NewClientCacheRepository(db)
	recoveryState := store.NewRecoveryStateRepository(db)

	natsConn, err := nats.Connect(cfg.Bus.NATS.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer natsConn.Close()

	natsBus := busimpl.NewNATSBus(natsConn, log.Logger)
	caller := busimpl.NewBreakingCaller(natsBus, log.Logger)
	emitter := busimpl.NewNATSEmitter(natsConn, log.Logger)

	reg := registry.New(natsBus, log.Logger, rate.Limit(cfg.Registry.QueryRatePerSecond), cfg.Registry.QueryBurst).
		WithCacheWriter(clientCache)

	events, err := reg.Boot(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("registry boot failed")
	}
	go func() {
		for ev := range events {
			reg.HandlePresenceEvent(ctx, ev)
		}
	}()

	observable := operation.NewObservable(emitter.OnOperationCreated, emitter.OnOperationFinished)

	engine := &dispatch.Engine{
		Registry:   reg,
		Caller:     caller,
		Observable: observable,
		Emit:       emitter,
		Log:        log.Logger,
	}

	entry := requestentry.New(mongoAccountValidator{db: db}, caller, reg, log.Logger, func(ctx context.Context, ch *channel.Channel) {
		submitChannel(ctx, engine, ch)
	})
	rpcServer := busimpl.NewRPCServer(natsConn, entry, log.Logger).WithObservable(observable)
	if cfg.Auth.CallTokenSecret != "" {
		signer, err := busimpl.NewTokenSigner([]byte(cfg.Auth.CallTokenSecret), cfg.Auth.CallTokenIssuer, cfg.Auth.CallTokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to derive call token signing key")
		}
		rpcServer = rpcServer.WithTokenSigner(signer)
	}
	if err := rpcServer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start entry point RPC server")
	}

	if cfg.Bus.SQS.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Bus.SQS.Region))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load AWS config")
		}
		sqsClient := sqs.NewFromConfig(awsCfg)
		consumer := inbound.NewConsumer(sqsClient, cfg.Bus.SQS.QueueURL, log.Logger, func(ctx context.Context, ch *channel.Channel) {
			submitChannel(ctx, engine, ch)
		})
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("inbound consumer stopped")
			}
		}()
	}

	rec := recovery.New(noopConnectionManagerLister{}, caller, reg, func(ctx context.Context, channelPath string) {
		ch := channel.New(channelPath, channel.PropertyMap{}, false)
		submitChannel(ctx, engine, ch)
	}, log.Logger).WithRecorder(recoveryState)
	if err := rec.Run(ctx); err != nil {
		log.Error().Err(err).Msg("recovery pass failed")
	}

	admin := &adminapi.Handlers{Registry: reg, Observable: observable, Engine: engine, Log: log.Logger}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      admin.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lc := lifecycle.NewManager()
	lc.RegisterHTTPShutdown("admin-http", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})
	lc.RegisterDatabaseShutdown("mongo", func(ctx context.Context) error {
		return mongoClient.Disconnect(ctx)
	})

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("admin HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin HTTP server failed")
		}
	}()

	lc.Run()
	log.Info().Msg("chandispatch dispatcherd stopped")
}

func submitChannel(ctx context.Context, engine *dispatch.Engine, ch *channel.Channel) {
	id := uuid.NewString()
	if err := engine.TakeChannels(ctx, id, "", []*channel.Channel{ch}); err != nil {
		log.Warn().Err(err).Str("channel", ch.ObjectPath).Msg("take_channels refused batch")
	}
}

type mongoAccountValidator struct {
	db *mongo.Database
}

func (v mongoAccountValidator) AccountExists(ctx context.Context, account string) bool {
	n, err := v.db.Collection("accounts").CountDocuments(ctx, map[string]interface{}{"_id": account})
	if err != nil {
		log.Warn().Err(err).Str("account", account).Msg("account lookup failed")
		return false
	}
	return n > 0
}

type noopConnectionManagerLister struct{}

func (noopConnectionManagerLister) LiveChannels(ctx context.Context) ([]string, error) {
	return nil, nil
}
