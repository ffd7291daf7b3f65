package main

import (
	"os"

	"github.com/lotline/lotline/internal/config"
)

func loadConfig() (*config.Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	return config.Load(path)
}
