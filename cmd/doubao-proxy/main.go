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

	"doubao-proxy/internal/config"
	"doubao-proxy/internal/doubao/bridge"
	"doubao-proxy/internal/doubao/proxyshell"
)

func main() {
	var port int
	flag.IntVar(&port, "port", 3001, "Port to listen on")
	flag.Parse()

	_ = godotenv.Load()

	creds, err := config.LoadDoubao()
	if err != nil {
		log.Fatalf("doubao-proxy: %v", err)
	}

	handler := proxyshell.NewHandler(bridge.Credentials{
		AppID:     creds.AppID,
		AccessKey: creds.AccessKey,
		SecretKey: creds.SecretKey,
	})

	mux := http.NewServeMux()
	mux.Handle(proxyshell.Path, handler)
	mux.Handle("/doubao-index.html", http.FileServer(http.Dir("./static")))

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Println("doubao-proxy: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("doubao-proxy: shutdown: %v", err)
		}
	}()

	log.Printf("doubao-proxy: listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("doubao-proxy: %v", err)
	}
}
