package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"homgard/internal/api"
	"homgard/internal/codec"
	"homgard/internal/config"
	"homgard/internal/engine"
	"homgard/internal/events"
	"homgard/internal/homgar"
	"homgard/internal/storage"
)

// Version is set at build time via -ldflags "-X main.Version=vX.Y.Z"
var Version = "dev"

func main() {
	configPath := flag.String("config", ".env", "Path to configuration file")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Configuration loaded: %s", cfg)

	if cfg.Email() == "" || cfg.Password() == "" {
		log.Fatalf("Cloud credentials missing: set %s and %s in %s", config.EnvEmail, config.EnvPassword, *configPath)
	}

	store, err := storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		log.Fatalf("Failed to open database %s: %v", cfg.DBPath(), err)
	}
	defer store.Close()

	client := homgar.NewClient(cfg.BaseURL(), logger)
	session := homgar.NewSession(client, homgar.Credentials{
		Email:    cfg.Email(),
		Password: cfg.Password(),
		AreaCode: cfg.AreaCode(),
	}, store, logger)
	session.SetMaxFailures(cfg.MaxAuthFailures())

	eventStore := events.NewStore(1000)

	eng := engine.New(session, client, codec.Builtin(), store, eventStore, engine.Options{
		PollInterval:   cfg.PollInterval(),
		StaleMisses:    cfg.StaleMisses(),
		QueueSize:      cfg.CommandQueueSize(),
		BrokerOverride: cfg.MQTTBroker(),
		Logger:         logger,
	})

	if err := eng.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	server := api.NewServer(eng, store, eventStore, cfg)

	addr := cfg.Addr()
	fmt.Printf("Homgard %s starting on %s\n", Version, addr)

	if cfg.NoAuth() {
		fmt.Println("WARNING: Authentication is DISABLED!")
	}

	// Print access URLs
	port := addr
	if strings.HasPrefix(port, ":") {
		port = port[1:]
	} else if idx := strings.LastIndex(port, ":"); idx != -1 {
		port = port[idx+1:]
	}
	printAccessURLs(port)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- eng.Wait()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Printf("Received %v, shutting down", s)
	case err := <-serverErr:
		log.Printf("Server failed: %v", err)
	case err := <-engineErr:
		if err != nil {
			log.Printf("Engine stopped: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := eng.Stop(); err != nil {
		log.Printf("Engine shutdown: %v", err)
	}
}

// getLocalIPs returns all local IP addresses
func getLocalIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range interfaces {
		// Skip down or loopback interfaces
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			// Skip loopback and IPv6
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}

			ips = append(ips, ip.String())
		}
	}

	return ips
}

// printAccessURLs prints all available access URLs
func printAccessURLs(port string) {
	ips := getLocalIPs()
	if len(ips) == 0 {
		fmt.Printf("\nOpen http://localhost:%s in your browser\n", port)
		return
	}

	fmt.Println("\nAccess URLs:")
	for _, ip := range ips {
		fmt.Printf("  http://%s:%s\n", ip, port)
	}
	fmt.Println()
}
