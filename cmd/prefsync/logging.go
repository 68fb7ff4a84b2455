package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// InitLog configures the logger.
func InitLog(cfg ConfigLog) error {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	} else if cfg.Format == "color" {
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		return fmt.Errorf("unrecognized log level %q: %w", cfg.Level, err)
	} else {
		log.SetLevel(lvl)
	}
	return nil
}
