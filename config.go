package harness

import (
	"flag"
	"os"
	"strconv"
)

// AppConfig is the server's own runtime configuration — host/port/gateway
// wiring read once at process start, distinct from AgentConfig which
// governs an individual agent's behavior.
type AppConfig struct {
	Host           string
	Port           int
	WickGatewayURL string
	ConfigFile     string
}

// LoadAppConfig reads host/port/gateway/config-file settings from
// environment variables, then lets CLI flags of the same name override
// them — flags win because they're what an operator typed on this
// specific invocation.
func LoadAppConfig() *AppConfig {
	host := flag.String("host", "", "Listen host (env: HOST, default: 0.0.0.0)")
	port := flag.Int("port", 0, "Listen port (env: PORT, default: 8000)")
	gateway := flag.String("gateway", "", "Gateway URL for auth & RBAC (env: WICK_GATEWAY_URL)")
	configFile := flag.String("config", "", "Path to agents.yaml config file")
	flag.Parse()

	cfg := &AppConfig{
		Host:           stringEnv("HOST", "0.0.0.0"),
		Port:           intEnv("PORT", 8000),
		WickGatewayURL: os.Getenv("WICK_GATEWAY_URL"),
	}

	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *gateway != "" {
		cfg.WickGatewayURL = *gateway
	}
	if *configFile != "" {
		cfg.ConfigFile = *configFile
	}

	return cfg
}

func stringEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
