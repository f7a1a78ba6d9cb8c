// Package config reads server settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	LLMBaseURL  string
	LLMModel    string
}

// FromEnv loads .env when present and reads the process environment.
// JWT_SECRET is the only hard requirement; DATABASE_URL, REDIS_URL, and
// LLM_BASE_URL degrade to in-memory or fallback collaborators.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:        getenv("ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		LLMBaseURL:  os.Getenv("LLM_BASE_URL"),
		LLMModel:    getenv("LLM_MODEL", "llama3"),
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("config: JWT_SECRET is required")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
