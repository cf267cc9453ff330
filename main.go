package main

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/pccr10001/rtcall/internal/api"
	"github.com/pccr10001/rtcall/internal/auth"
	"github.com/pccr10001/rtcall/internal/calling"
	"github.com/pccr10001/rtcall/internal/config"
	"github.com/pccr10001/rtcall/internal/diag"
	"github.com/pccr10001/rtcall/internal/eventloop"
	"github.com/pccr10001/rtcall/internal/logic"
	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pccr10001/rtcall/internal/media/device"
	"github.com/pccr10001/rtcall/internal/model"
	"github.com/pccr10001/rtcall/internal/peer"
	"github.com/pccr10001/rtcall/internal/repository"
	"github.com/pccr10001/rtcall/internal/signaling"
	"github.com/pccr10001/rtcall/pkg/logger"
	"github.com/pion/webrtc/v4"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func main() {
	// 1. Load Config
	config.LoadConfig()
	cfg := config.AppConfig

	// 2. Init Logger
	logger.InitLogger(cfg.Log.Level)
	logger.Log.Info("Starting call agent...")

	auth.Configure(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	identity, err := auth.ParseIdentity(cfg.Relay.Token)
	if err != nil {
		logger.Log.Fatalf("Invalid relay access token: %v", err)
	}
	if identity.Expired(time.Now()) {
		logger.Log.Warnf("Relay access token for %s expired at %s", identity.UserID, identity.ExpiresAt)
	}
	logger.Log.Infof("Calling as %s (%s)", identity.DisplayName, identity.UserID)

	// 3. Init Database
	db := initDB()
	callRepo := repository.NewCallRepository(db)
	webhookRepo := repository.NewWebhookRepository(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Signaling relay
	relay := signaling.NewClient(signaling.ClientConfig{
		URL:           cfg.Relay.URL,
		Token:         cfg.Relay.Token,
		ReconnectBase: cfg.Relay.ReconnectBase,
		ReconnectMax:  cfg.Relay.ReconnectMax,
	}, logger.Named("relay"))
	relay.OnConnect(func() { logger.Log.Info("Signaling relay connected") })
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.Errorf("Signaling relay stopped: %v", err)
		}
	}()

	var ice calling.ICEProvider
	if cfg.Relay.APIBase != "" {
		ice = signaling.NewICEFetcher(cfg.Relay.APIBase, cfg.Relay.Token, logger.Named("ice"))
	} else if len(cfg.Calling.STUNServers) > 0 {
		ice = calling.StaticICE([]webrtc.ICEServer{{URLs: cfg.Calling.STUNServers}})
	}

	// 5. Media devices
	source := device.NewSource(device.Config{
		VideoListenAddr: cfg.Calling.Video.ListenAddr,
		StreamID:        identity.UserID,
	}, logger.Named("device"))
	ideal := media.IdealProfile(cfg.Calling.Audio.DeviceKeyword, cfg.Calling.Audio.SampleRate)
	ideal.Audio.ChunkMs = cfg.Calling.Audio.CaptureChunkMs
	ideal.Video.RequireCamera = cfg.Calling.Video.RequireCamera
	acquirer := media.NewAcquirer(source, media.AcquirerOptions{
		Ideal:   ideal,
		Minimal: media.MinimalProfile(),
	}, logger.Named("media"))

	var playback peer.PayloadSink
	speaker, err := device.OpenSpeaker(cfg.Calling.Audio.OutputDeviceName, cfg.Calling.Audio.PlaybackChunkMs, logger.Named("speaker"))
	if err != nil {
		logger.Log.Warnf("Remote audio will not be played: %v", err)
	} else {
		defer speaker.Close()
		playback = speaker
	}

	// 6. Peer connections
	rtcAPI, err := peer.NewAPI(peer.APIOptions{
		UDPPortMin: cfg.Calling.UDPPortMin,
		UDPPortMax: cfg.Calling.UDPPortMax,
	})
	if err != nil {
		logger.Log.Fatalf("Failed to configure WebRTC: %v", err)
	}

	// 7. Call session
	events := api.NewEventHub(logger.Named("events"))
	loop := eventloop.New()
	session := calling.New(loop, calling.Deps{
		Relay:      relay,
		Acquirer:   acquirer,
		Transports: peer.PionFactory(rtcAPI),
		ICE:        ice,
		Monitor:    media.NewTrackPoller(0, nil),
		Observer:   events,
		History:    callRepo,
		Notifier:   logic.NewWebhookService(webhookRepo, logger.Named("webhook")),
	}, calling.Options{
		RingTimeout:     cfg.Calling.RingTimeout,
		ConnectFallback: cfg.Calling.ConnectFallback,
		PrewarmVideo:    cfg.Calling.PrewarmVideo,
		Peer: peer.Options{
			ConnectTimeout: cfg.Calling.ConnectTimeout,
			RetryBase:      cfg.Calling.RetryBase,
			RetryMax:       cfg.Calling.RetryMax,
			MaxAttempts:    cfg.Calling.MaxAttempts,
			Diagnoser:      diag.NewNetwork(),
			Playback:       playback,
		},
	}, logger.Named("call"))

	// 8. Init Router
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "pong",
		})
	})

	api.Register(r, api.RouterDeps{
		DB:       db,
		Calls:    api.NewCallHandler(session, callRepo, identity),
		Events:   events,
		Session:  session,
		Webhooks: webhookRepo,
	})

	srv := &http.Server{Addr: cfg.Server.Port, Handler: r}
	go func() {
		logger.Log.Infof("Server listening on %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Log.Info("Shutting down...")

	session.Close()
	loop.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warnf("Server shutdown: %v", err)
	}
}

func initDB() *gorm.DB {
	var db *gorm.DB
	var err error

	driver := config.AppConfig.Database.Driver
	dsn := config.AppConfig.Database.DSN

	switch driver {
	case "mysql":
		db, err = gorm.Open(mysql.Open(dsn), &gorm.Config{})
	default:
		if dsn == "" {
			dsn = "rtcall.db"
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	}

	if err != nil {
		logger.Log.Fatalf("Failed to connect database (%s): %v", driver, err)
	}

	if err := db.AutoMigrate(&model.User{}, &model.CallRecord{}, &model.Webhook{}); err != nil {
		logger.Log.Fatalf("Failed to migrate database: %v", err)
	}

	var count int64
	db.Model(&model.User{}).Count(&count)
	if count > 0 {
		return db
	}

	password := config.AppConfig.Users.DefaultAdminPassword
	generated := password == ""
	if generated {
		password = randomPassword(12)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		logger.Log.Fatalf("Failed to hash password: %v", err)
	}
	db.Create(&model.User{Username: "admin", PasswordHash: hash, Role: repository.RoleAdmin})
	if generated {
		logger.Log.Warnf("INITIAL ADMIN CREATED. Username: admin, Password: %s", password)
	} else {
		logger.Log.Info("Initial admin created from users.default_admin_password")
	}
	return db
}

func randomPassword(n int) string {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	ret := make([]byte, n)
	for i := range ret {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			logger.Log.Fatalf("Failed to generate random password: %v", err)
		}
		ret[i] = chars[num.Int64()]
	}
	return string(ret)
}
