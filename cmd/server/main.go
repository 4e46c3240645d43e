package main

import (
	"log"

	"firebase.google.com/go/v4/auth"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/kibossChangole/paideia-server/internal/config"
	"github.com/kibossChangole/paideia-server/internal/handlers"
	"github.com/kibossChangole/paideia-server/internal/middleware"
	"github.com/kibossChangole/paideia-server/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	db, err := services.InitDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	cache, err := services.NewRedisCache(cfg.RedisURL)
	if err != nil {
		log.Printf("Warning: Redis unavailable, correlation index and caching disabled: %v", err)
		cache = nil
	}

	firebaseClients, err := services.InitFirebase(cfg.FirebaseCredPath)
	if err != nil {
		log.Printf("Warning: Firebase initialization failed: %v", err)
		log.Println("API auth and push notifications will not work until valid credentials are provided")
	}

	mpesaClient := services.NewMpesaService(cfg.Mpesa)
	midtransClient := services.NewMidtransService(cfg.Midtrans)
	emailService := services.NewEmailService()

	paymentService := services.NewPaymentService(db, cache, mpesaClient, midtransClient, cfg.PendingTTL)
	settlementService := services.NewSettlementService(db, cache, firebaseClients)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.HTTPErrorHandler = middleware.CustomErrorHandler

	paymentHandler := handlers.NewPaymentHandler(paymentService)
	studentHandler := handlers.NewStudentHandler(db, cache)
	callbackHandler := handlers.NewCallbackHandler(db, cache, settlementService, midtransClient, emailService, cfg.OpsEmail)

	// Gateway webhooks; reachable without auth, by contract.
	e.POST("/callbacks/mpesa", callbackHandler.HandleMpesaCallback)
	e.POST("/callbacks/midtrans", callbackHandler.HandleMidtransNotification)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})

	var fbAuth *auth.Client
	if firebaseClients != nil {
		fbAuth = firebaseClients.Auth
	}

	api := e.Group("/api")
	api.Use(middleware.RequireAuth(fbAuth))

	api.POST("/payments/initiate", paymentHandler.InitiatePayment)
	api.GET("/payments/status/:checkoutRequestID", paymentHandler.PaymentStatus)
	api.GET("/payments/:studentID", paymentHandler.PaymentHistory)

	api.GET("/students/:studentID", studentHandler.GetStudent)
	api.GET("/students/:studentID/balance", studentHandler.GetBalance)
	api.PUT("/students/:studentID/device-token", studentHandler.UpdateDeviceToken)

	admin := api.Group("", middleware.RequireAdmin())
	admin.POST("/schools", studentHandler.CreateSchool)
	admin.POST("/students", studentHandler.CreateStudent)

	log.Printf("Server starting on port %s", cfg.Port)
	e.Logger.Fatal(e.Start(":" + cfg.Port))
}
