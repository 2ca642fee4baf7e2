package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FamLink/global"
	"FamLink/logger"
	"FamLink/module/rtc/catchup"
	"FamLink/module/rtc/event"
	"FamLink/module/rtc/mediatoken"
	"FamLink/module/rtc/msgflow"
	"FamLink/module/rtc/presence"
	"FamLink/module/rtc/room"
	"FamLink/module/rtc/typing"
	"FamLink/service/bus"
	"FamLink/service/gateway"
	"FamLink/service/kafkax"
	"FamLink/service/natsx"
	"FamLink/service/storage"
	"FamLink/tools/ids"
	"FamLink/tools/safe"
)

func main() {
	var confPath string
	flag.StringVar(&confPath, "conf", "", "config file path (default ./famlink.yaml)")
	flag.Parse()

	cfg, err := global.Load(confPath)
	if err != nil {
		logger.Errorf("[main] load config: %v", err)
		os.Exit(1)
	}
	logger.Setup(cfg.LogLevel)
	defer logger.Sync()
	ids.SetNodeID(cfg.NodeID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Durable message log.
	store, err := storage.NewMongoStore(ctx, storage.MongoConfig{
		Uri:         cfg.Mongo.Uri,
		Database:    cfg.Mongo.Database,
		MaxPoolSize: cfg.Mongo.MaxPoolSize,
		MaxRetry:    cfg.Mongo.MaxRetry,
	})
	if err != nil {
		logger.Errorf("[main] mongo: %v", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close(context.Background())
	}()

	// Fan-out bus, optionally bridged to other gateways.
	b := bus.NewLocal(bus.LocalConf{
		Workers:   cfg.Bus.Workers,
		Queue:     cfg.Bus.Queue,
		SubBuffer: cfg.Bus.SubBuffer,
		Origin:    cfg.GatewayID,
	})
	defer b.Close()

	switch cfg.Bus.Relay {
	case "nats":
		relay, err := natsx.NewRelay(natsx.Conf{
			Servers:       cfg.Bus.Nats.Servers,
			Name:          cfg.Bus.Nats.Name,
			Origin:        cfg.GatewayID,
			ReconnectWait: cfg.Bus.Nats.ReconnectWait,
			Timeout:       cfg.Bus.Nats.Timeout,
		}, b)
		if err != nil {
			logger.Errorf("[main] nats relay: %v", err)
			os.Exit(1)
		}
		b.AttachRelay(relay)
	case "kafka":
		relay, err := kafkax.NewRelay(kafkax.Conf{
			Brokers:     cfg.Bus.Kafka.Brokers,
			Topic:       cfg.Bus.Kafka.Topic,
			Origin:      cfg.GatewayID,
			Compression: cfg.Bus.Kafka.Compression,
		}, b)
		if err != nil {
			logger.Errorf("[main] kafka relay: %v", err)
			os.Exit(1)
		}
		b.AttachRelay(relay)
	case "", "none":
	default:
		logger.Errorf("[main] unknown bus relay %q", cfg.Bus.Relay)
		os.Exit(1)
	}

	// Cross-gateway presence directory, optional.
	var mirror presence.Mirror
	if cfg.Presence.MirrorToRedis {
		rp, err := storage.NewRedisPresence(ctx, storage.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.GatewayID)
		if err != nil {
			logger.Errorf("[main] redis: %v", err)
			os.Exit(1)
		}
		defer rp.Close()
		mirror = rp
	}

	tracker := presence.NewTracker(presence.Conf{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		MissedBeats:       cfg.Presence.MissedBeats,
		SweepEvery:        cfg.Presence.SweepEvery,
	}, b, mirror)
	defer tracker.Close()

	debouncer := typing.NewDebouncer(typing.Conf{
		TTL:        cfg.Typing.TTL,
		SweepEvery: cfg.Typing.SweepEvery,
	}, b)
	defer debouncer.Close()

	seq := event.NewSequencer(store.MaxSeq)
	pipe := msgflow.NewPipeline(store, seq, b, debouncer)

	// Room history rows, optional.
	var roomStore room.Store
	var history gateway.HistoryStore
	if cfg.Postgres.DSN != "" {
		pg, err := storage.NewPostgresRoomStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			logger.Errorf("[main] postgres: %v", err)
			os.Exit(1)
		}
		defer pg.Close()
		roomStore = pg
		history = pg
	}

	rooms := room.NewManager(b, roomStore, tracker)
	tokens := mediatoken.NewIssuer(mediatoken.Conf{
		TransportAddr: cfg.Media.TransportAddr,
		TokenSecret:   cfg.Media.TokenSecret,
		TokenTTL:      cfg.Media.TokenTTL,
	}, rooms)
	resolver := catchup.NewResolver(store, b)

	srv := gateway.NewServer(gateway.Conf{
		Addr:          cfg.Server.Addr,
		SendQueueSize: cfg.Server.SendQueueSize,
		GatewayID:     cfg.GatewayID,
		AuthSecret:    []byte(cfg.Auth.Secret),
	}, b, store, pipe, tracker, debouncer, rooms, tokens, resolver, history)

	safe.Go(func() {
		logger.Infof("[main] gateway %s listening on %s", cfg.GatewayID, cfg.Server.Addr)
		if err := srv.Run(); err != nil {
			logger.Errorf("[main] server: %v", err)
			os.Exit(1)
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("[main] shutting down")
	srv.Shutdown()
}
