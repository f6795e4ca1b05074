// Kiro Gateway
// An OpenAI-compatible proxy in front of the Kiro API (AWS CodeWhisperer).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kiro-gateway/api"
	"kiro-gateway/auth"
	"kiro-gateway/config"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func main() {
	host := flag.String("host", "", "Server host address")
	port := flag.Int("port", 0, "Server port")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", config.AppTitle, config.AppVersion)
		os.Exit(0)
	}

	cfg, envFound := config.Load()

	if *host != "" {
		cfg.ServerHost = *host
	}
	if *port != 0 {
		cfg.ServerPort = *port
	}

	setupLogging(cfg.LogLevel)

	if err := cfg.Validate(envFound); err != nil {
		printConfigError(err)
		os.Exit(1)
	}

	printBanner(cfg.ServerHost, cfg.ServerPort)

	authManager := auth.NewManager(cfg)
	server := api.NewServer(cfg, authManager)

	if cfg.LogLevel == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	server.SetupRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.StreamingReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.StreamingReadTimeout) * time.Second,
	}

	go func() {
		log.Infof("Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown error: %v", err)
	}
	server.HTTPClient.Close()

	log.Info("Server stopped")
}

func setupLogging(level string) {
	switch level {
	case "DEBUG":
		log.SetLevel(log.DebugLevel)
	case "WARNING":
		log.SetLevel(log.WarnLevel)
	case "ERROR":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

func printConfigError(err error) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  ──────────────── CONFIGURATION ERROR ────────────────")
	fmt.Fprintf(os.Stderr, "  %v\n", err)
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  Provide credentials via one of:")
	fmt.Fprintln(os.Stderr, "    REFRESH_TOKEN      Kiro Desktop refresh token")
	fmt.Fprintln(os.Stderr, "    KIRO_CREDS_FILE    path to a Kiro credentials JSON file")
	fmt.Fprintln(os.Stderr, "    KIRO_CLI_DB_FILE   path to the kiro-cli SQLite database")
	fmt.Fprintln(os.Stderr, "  and set PROXY_API_KEY for inbound authentication.")
	fmt.Fprintln(os.Stderr, "  ─────────────────────────────────────────────────────")
	fmt.Fprintln(os.Stderr)
}

func printBanner(host string, port int) {
	displayHost := host
	if host == "0.0.0.0" {
		displayHost = "localhost"
	}

	fmt.Println()
	fmt.Printf("  %s v%s\n", config.AppTitle, config.AppVersion)
	fmt.Println()
	fmt.Println("  Server running at:")
	fmt.Printf("  ->  http://%s:%d\n", displayHost, port)
	fmt.Println()
	fmt.Printf("  Health Check:  http://%s:%d/health\n", displayHost, port)
	fmt.Printf("  Models:        http://%s:%d/v1/models\n", displayHost, port)
	fmt.Println()
}
