package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wabridge/config"
	"wabridge/database"
	"wabridge/internal/handler"
	"wabridge/internal/model"
	"wabridge/internal/service"
	"wabridge/internal/wa"
	"wabridge/internal/ws"
)

func main() {
	// Load .env (ignore error when the file does not exist, e.g. production)
	_ = godotenv.Load()

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	if cfg.DBConnectionString == "" {
		log.Fatal("APP_DATABASE_URL is not set")
	}
	database.InitAppDB(cfg.DBConnectionString)

	if len(os.Args) > 1 && os.Args[1] == "--createschema" {
		database.InitAppSchema()
	}

	store := model.NewSQLStore(database.AppDB)
	registry := service.NewRegistry()
	dialer := wa.NewMeowDialer(logger, cfg.VersionURL)
	hooks := service.NewNormalizer(store, registry, cfg.WebhookTimeout, logger)
	orchestrator := service.NewOrchestrator(store, registry, dialer, hooks, cfg.SessionDir, cfg.ReconnectBackoff, logger)

	hub := ws.NewHub(logger)
	go hub.Run()
	orchestrator.Realtime = hub

	// Reconnect accounts that were paired before the last restart.
	go func() {
		if err := orchestrator.ReconnectAll(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("failed to reconnect persisted clients")
		}
	}()

	clientHandler := &handler.ClientHandler{
		Orchestrator: orchestrator,
		Store:        store,
		Registry:     registry,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	originsEnv := os.Getenv("CORS_ALLOW_ORIGINS")
	if originsEnv != "" {
		allowOrigins := strings.Split(originsEnv, ",")
		for i, origin := range allowOrigins {
			allowOrigins[i] = strings.TrimSpace(origin)
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: allowOrigins,
			AllowMethods: []string{echo.GET, echo.POST, echo.DELETE, echo.OPTIONS},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	rateLimit := config.GetEnvAsInt("RATE_LIMIT_PER_SECOND", 10)
	rateBurst := config.GetEnvAsInt("RATE_LIMIT_BURST", 10)
	rateWindow := config.GetEnvAsInt("RATE_LIMIT_WINDOW_MINUTES", 3)
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(rateLimit),
				Burst:     rateBurst,
				ExpiresIn: time.Duration(rateWindow) * time.Minute,
			},
		),
	}))

	e.GET("/", func(c echo.Context) error { // Health check
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "WhatsApp webhook bridge is running",
		})
	})
	e.GET("/ws", handler.WebSocketHandler(hub, logger))

	e.GET("/client/create", clientHandler.CreateClient)
	e.GET("/client/:clientId", clientHandler.GetClient)
	e.GET("/client/:clientId/qrCode", clientHandler.GetQRCode)
	e.POST("/client/:clientId/chat/:chatId/send", clientHandler.SendChatMessage)
	e.DELETE("/client/:clientId", clientHandler.DeleteClient)

	logger.Info().Str("port", cfg.Port).Msg("starting server")
	if err := e.Start(":" + cfg.Port); err != nil {
		log.Fatal(err)
	}
}
