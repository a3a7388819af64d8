package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource      string
	Port          string
	Env           string
	MigrationsDir string
}

func Load() (*Config, error) {
	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	return &Config{
		DBSource:      dbSource,
		Port:          port,
		Env:           env,
		MigrationsDir: os.Getenv("MIGRATIONS_DIR"),
	}, nil
}
