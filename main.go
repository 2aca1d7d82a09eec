package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"converse/api"
	"converse/chat"
	"converse/config"
	"converse/crypto"
	"converse/models"
	"converse/realtime"
	"converse/session"
	"converse/storage"
)

func main() {
	config.LoadDotenv()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger, err := buildLogger(cfg.Development)
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	sugar.Infow("starting converse", "config", cfgPath, "server", cfg.ServerBaseURL)

	localKey, err := crypto.EnsureLocalKey(cfg.LocalKeyPath)
	if err != nil {
		sugar.Fatalw("startup failed while preparing local key", "error", err)
	}

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		sugar.Fatalw("startup failed while resolving data directory", "error", err)
	}
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		sugar.Fatalw("startup failed while opening database", "error", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			sugar.Warnw("database close error", "error", err)
		}
	}()
	sugar.Infow("database ready", "path", dbPath)

	channel, err := realtime.NewChannel(realtime.ChannelOptions{
		URL:    cfg.RealtimeURL,
		Logger: sugar,
	})
	if err != nil {
		sugar.Fatalw("startup failed while preparing realtime channel", "error", err)
	}
	defer channel.Disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions := session.NewStore(session.StoreOptions{
		Storage:  store,
		LocalKey: localKey,
		Logger:   sugar,
		OnChange: func(snapshot models.Session) {
			if !snapshot.Authenticated() {
				channel.Disconnect()
				return
			}
			if err := channel.Connect(ctx, snapshot.AccessToken); err != nil {
				sugar.Warnw("realtime connect failed", "error", err)
			}
		},
	})

	gateway, err := api.NewClient(api.ClientOptions{
		BaseURL:     cfg.ServerBaseURL,
		Credentials: sessions,
		Timeout:     cfg.HTTPTimeout(),
		Logger:      sugar,
		OnAuthExpired: func() {
			sugar.Infow("session expired, realtime teardown")
			channel.Disconnect()
		},
	})
	if err != nil {
		sugar.Fatalw("startup failed while building HTTP gateway", "error", err)
	}
	sessions.AttachGateway(gateway)
	sessions.Rehydrate()

	inbox, err := chat.NewInbox(chat.InboxOptions{
		Gateway: gateway,
		Storage: store,
		Self:    func() models.User { return sessions.Current().Identity() },
		Logger:  sugar,
	})
	if err != nil {
		sugar.Fatalw("startup failed while building inbox", "error", err)
	}
	inboxSub := channel.Subscribe(realtime.EventMessage, func(envelope realtime.Envelope) {
		message, err := realtime.DecodeMessage(envelope)
		if err != nil {
			sugar.Debugw("dropping malformed message event", "error", err)
			return
		}
		inbox.ApplyMessage(message)
	})
	defer inboxSub.Close()

	thread, err := chat.NewThread(chat.ThreadOptions{
		Gateway:      gateway,
		Realtime:     channel,
		Storage:      store,
		Self:         func() models.User { return sessions.Current().Identity() },
		PageSize:     cfg.PageSize,
		TypingExpiry: cfg.TypingExpiry(),
		Logger:       sugar,
	})
	if err != nil {
		sugar.Fatalw("startup failed while building thread", "error", err)
	}
	defer thread.Close()

	reconnector, err := realtime.NewReconnector(realtime.ReconnectorOptions{
		Channel: channel,
		Token:   sessions.AccessToken,
		Logger:  sugar,
		OnReconnected: func() {
			// Events during the gap are lost; reload the authoritative list.
			if err := inbox.Load(ctx); err != nil {
				sugar.Warnw("inbox reload after reconnect failed", "error", err)
			}
		},
	})
	if err != nil {
		sugar.Fatalw("startup failed while building reconnector", "error", err)
	}
	go reconnector.Run(ctx)

	go pruneSeenIDs(ctx, store, cfg, sugar)

	if sessions.Authenticated() {
		if err := channel.Connect(ctx, sessions.AccessToken()); err != nil {
			sugar.Warnw("initial realtime connect failed", "error", err)
		}
		if err := inbox.Load(ctx); err != nil {
			sugar.Warnw("initial inbox load failed", "error", err)
		}
	}

	<-ctx.Done()
	sugar.Infow("shutting down")
}

func buildLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// pruneSeenIDs periodically drops dedup entries older than the retention
// window so the table stays bounded.
func pruneSeenIDs(ctx context.Context, store *storage.Store, cfg *config.ClientConfig, sugar *zap.SugaredLogger) {
	retention := time.Duration(cfg.SeenIDRetentionHours) * time.Hour
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention).UnixMilli()
			removed, err := store.PruneOldEntries(cutoff)
			if err != nil {
				sugar.Warnw("seen-id prune failed", "error", err)
				continue
			}
			if removed > 0 {
				sugar.Debugw("pruned seen-id entries", "count", removed)
			}
		}
	}
}
