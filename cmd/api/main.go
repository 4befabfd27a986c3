package main

import (
	"flag"
	"log"
	"os"

	"github.com/Egham-7/adaptive-wsproxy/internal/config"
	pkgconfig "github.com/Egham-7/adaptive-wsproxy/pkg/config"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

func main() {
	defaultPath := "config.yaml"
	if p := os.Getenv("WSPROXY_CONFIG"); p != "" {
		defaultPath = p
	}
	configPath := flag.String("config", defaultPath, "path to the YAML configuration file")
	flag.Parse()

	// Load environment files explicitly
	envFiles := []string{".env.local", ".env.development", ".env"}
	config.LoadEnvFiles(envFiles)

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fiberlog.Fatalf("Failed to load config: %v", err)
	}

	proxy := pkgconfig.NewProxy(cfg)

	log.Println("Starting AdaptiveWSProxy server...")
	if err := proxy.Run(); err != nil {
		fiberlog.Fatalf("Server failed: %v", err)
	}
}
