package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Host string
	Port string

	DatabaseURL string

	JWTSecretKey            string
	JWTAlgorithm            string
	JWTAccessTokenExpireMin int

	BotStoragePath   string
	DockerSocketPath string
}

func Load() (Config, error) {
	cfg := Config{
		Host:             env("HOST", "0.0.0.0"),
		Port:             env("PORT", "8080"),
		DatabaseURL:      env("DATABASE_URL", ""),
		JWTSecretKey:     env("JWT_SECRET_KEY", ""),
		JWTAlgorithm:     env("JWT_ALGORITHM", "HS256"),
		BotStoragePath:   env("BOT_STORAGE_PATH", "/var/lib/bots"),
		DockerSocketPath: env("DOCKER_SOCKET_PATH", "unix:///var/run/docker.sock"),
	}

	expireMin, err := strconv.Atoi(env("JWT_ACCESS_TOKEN_EXPIRE_MINUTES", "1440"))
	if err != nil {
		return Config{}, errors.New("JWT_ACCESS_TOKEN_EXPIRE_MINUTES must be an integer")
	}
	cfg.JWTAccessTokenExpireMin = expireMin

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, errors.New("missing DATABASE_URL")
	}
	if strings.TrimSpace(cfg.JWTSecretKey) == "" {
		return Config{}, errors.New("missing JWT_SECRET_KEY")
	}

	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
