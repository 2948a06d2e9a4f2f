package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	glmbridge "doubao-proxy/internal/glm/bridge"
	"doubao-proxy/internal/config"
)

func main() {
	var port int
	flag.IntVar(&port, "port", 3000, "Port to listen on")
	flag.Parse()

	_ = godotenv.Load()

	creds, err := config.LoadGLM()
	if err != nil {
		log.Fatalf("glm-proxy: %v", err)
	}

	handler := glmbridge.NewHandler(glmbridge.Credentials{APIKey: creds.APIKey})

	mux := http.NewServeMux()
	mux.Handle(glmbridge.Path, handler)

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Println("glm-proxy: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("glm-proxy: shutdown: %v", err)
		}
	}()

	log.Printf("glm-proxy: listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("glm-proxy: %v", err)
	}
}
