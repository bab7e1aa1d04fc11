package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/authz"
	"securechat-backend/internal/config"
	"securechat-backend/internal/crypto"
	"securechat-backend/internal/database"
	"securechat-backend/internal/handlers"
	"securechat-backend/internal/hub"
	"securechat-backend/internal/jwt"
	"securechat-backend/internal/keyValue"
	"securechat-backend/internal/pipeline"
	"securechat-backend/internal/prefs"
	"securechat-backend/internal/snowflake"
	"securechat-backend/internal/store"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func setupLogger(logToFile bool, level string) (*zap.SugaredLogger, error) {
	zapConfig := zap.NewProductionConfig()
	if logToFile {
		zapConfig.OutputPaths = []string{"app.log", "stdout"}
	}
	if level == "debug" {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func setupRedis(address string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: "",
		DB:       0,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}

func main() {
	configPath := os.Getenv("CHAT_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}

	sugar, err := setupLogger(cfg.LogToFile, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer sugar.Sync()

	if err := config.Validate(cfg); err != nil {
		sugar.Fatal(err)
	}

	db, err := database.Setup(cfg)
	if err != nil {
		sugar.Fatal(err)
	}
	defer db.Close()

	var redisClient *redis.Client
	if !cfg.SelfContained {
		redisClient, err = setupRedis(cfg.RedisAddress)
		if err != nil {
			sugar.Fatal(err)
		}
	}

	gen, err := snowflake.NewGenerator(cfg.SnowflakeWorkerID)
	if err != nil {
		sugar.Fatal(err)
	}

	key, err := config.DecodedEncryptionKey(cfg)
	if err != nil {
		sugar.Fatal(err)
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		sugar.Fatal(err)
	}

	ledger, err := audit.NewLedger(db, gen, sugar,
		cfg.AuditBufferSize, time.Duration(cfg.AuditFlushSec)*time.Second)
	if err != nil {
		sugar.Fatal(err)
	}

	signer := jwt.NewSigner(cfg.JwtSecret)
	messages := store.NewMessageStore(db)
	memberships := store.NewMembershipStore(db)
	users := store.NewUserStore(db)
	cache := keyValue.NewCache(sugar, redisClient, cfg.SelfContained)
	gate := authz.NewGate(users, cache, ledger, sugar)
	prefsService := prefs.NewService(db, users, ledger, sugar)

	// frames carry JSON overhead on top of the message body
	maxFrameSize := int64(cfg.MaxMessageLength)*4 + 4096

	h := hub.NewHub(sugar, ledger, memberships, gen,
		time.Duration(cfg.HandshakeTimeoutSec)*time.Second,
		time.Duration(cfg.IdleTimeoutSec)*time.Second,
		maxFrameSize)

	pipe := pipeline.New(sugar, gen, gate, cipher, signer,
		messages, memberships, users, prefsService, ledger, h, cfg.MaxMessageLength)
	h.SetHandler(pipe.HandleFrame, pipe.Authenticate)

	srv := handlers.Setup(cfg, sugar, db, signer, gate, ledger, users, h)

	go func() {
		var serveErr error
		if cfg.TlsCert != "" && cfg.TlsKey != "" {
			sugar.Infof("Listening on https://%s", srv.Addr)
			serveErr = srv.ListenAndServeTLS(cfg.TlsCert, cfg.TlsKey)
		} else {
			sugar.Infof("Listening on http://%s", srv.Addr)
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			sugar.Fatal(serveErr)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	sugar.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Error(err)
	}

	// flush buffered audit entries before the process exits
	ledger.Close()
}
