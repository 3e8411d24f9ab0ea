package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"crashgame/internal/server"
)

func main() {
	srv := server.New()
	srv.RegisterFiberRoutes()

	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		if err := srv.Shutdown(); err != nil {
			log.Printf("[MAIN] Shutdown error: %v", err)
		}
		if err := srv.App.Shutdown(); err != nil {
			log.Printf("[MAIN] HTTP shutdown error: %v", err)
		}
		close(done)
	}()

	port := getEnv("PORT", "8080")
	if _, err := strconv.Atoi(port); err != nil {
		log.Fatalf("[MAIN] Invalid PORT %q", port)
	}
	if err := srv.Listen(":" + port); err != nil {
		log.Fatalf("[MAIN] Server error: %v", err)
	}

	<-done
	log.Println("[MAIN] Bye")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
