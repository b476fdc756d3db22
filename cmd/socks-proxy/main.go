package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"socks-proxy/internal/application"
	"socks-proxy/internal/infrastructure/epoll"
	"socks-proxy/internal/resolver"
	"socks-proxy/pkg/logger"
)

func main() {
	dnsServer := flag.String("dns", "8.8.8.8:53", "DNS server used to resolve domain targets")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: proxy [port] [username password]")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := application.ParseArgs(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.Setup(*debug)
	log.Info("Initializing SOCKS5 Proxy...")

	eventLoop, err := epoll.New(log)
	if err != nil {
		log.Error("Failed to create event loop", "error", err)
		os.Exit(1)
	}

	res, err := resolver.New(log, eventLoop, *dnsServer)
	if err != nil {
		log.Error("Failed to create resolver", "error", err)
		os.Exit(1)
	}

	proxy, err := application.NewProxyService(eventLoop, log, cfg, res)
	if err != nil {
		log.Error("Failed to create proxy service", "error", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("Shutting down", "signal", sig.String())
		eventLoop.Stop()
	}()

	log.Info("Proxy listening", "port", cfg.Port, "auth", cfg.Credentials != nil)

	if err := proxy.Start(); err != nil {
		log.Error("Proxy stopped unexpectedly", "error", err)
		os.Exit(1)
	}
}
