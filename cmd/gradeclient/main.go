package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	gradernet "github.com/David-2911/auto-grader-sub005"
	"github.com/David-2911/auto-grader-sub005/internal/config"
	"github.com/David-2911/auto-grader-sub005/internal/protocol"
	"github.com/David-2911/auto-grader-sub005/internal/store"
)

// logSink prints every core event; a real embedder would surface these in
// the UI.
type logSink struct{}

func (logSink) Publish(event string, detail interface{}) {
	log.Printf("event: %s %v", event, detail)
}

func main() {
	cfgPath := flag.String("config", "", "YAML config file (optional)")
	baseURL := flag.String("base-url", "", "API base URL (overrides config)")
	channelURL := flag.String("channel-url", "", "Duplex channel URL (overrides config)")
	dbPath := flag.String("db", "gradeclient.db", "SQLite state database path")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *channelURL != "" {
		cfg.ChannelURL = *channelURL
	}

	kv, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open state database: %v", err)
	}
	defer kv.Close()

	client, err := gradernet.New(cfg, gradernet.Options{
		Store: kv,
		Sink:  logSink{},
	})
	if err != nil {
		log.Fatalf("Failed to build client: %v", err)
	}
	defer client.Close()

	if cfg.ChannelURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := client.Connect(ctx); err != nil {
			log.Printf("Channel connect failed (will retry in background): %v", err)
		}
		cancel()

		client.Subscribe(protocol.TypeNotify, func(msg *protocol.Message) {
			log.Printf("push: %s", string(msg.Data))
		}, false)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	s := client.Stats()
	log.Printf("client running against %s (online=%v queue=%d cached=%d)",
		cfg.BaseURL, s.Online, s.QueueDepth, s.CacheEntries)

	<-stop
	log.Println("Shutting down...")
}
