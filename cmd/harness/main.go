package main

import (
	"log"

	harness "deepagent"
)

func main() {
	cfg := harness.LoadAppConfig()

	opts := []harness.Option{
		harness.WithHost(cfg.Host),
		harness.WithPort(cfg.Port),
	}
	if cfg.WickGatewayURL != "" {
		opts = append(opts, harness.WithGateway(cfg.WickGatewayURL))
	}
	if cfg.ConfigFile != "" {
		opts = append(opts, harness.WithConfigFile(cfg.ConfigFile))
	}

	s := harness.New(opts...)
	if err := s.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
