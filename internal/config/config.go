// Package config is used to load the configuration file
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

type database struct {
	Backend string `json:"backend"` // "memory" or "sqlite"
	Path    string `json:"path"`
}

type analysis struct {
	LocateConstructors bool `json:"locate-constructors"`
	FillClassFields    bool `json:"fill-class-fields"`
	PointerSize        int  `json:"pointer-size"`
}

// Config is the configuration struct
type Config struct {
	Database database `json:"database"`
	Analysis analysis `json:"analysis"`
}

func (c *Config) verify() error {
	switch c.Database.Backend {
	case "":
		c.Database.Backend = "memory"
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown database backend %q", c.Database.Backend)
	}
	if c.Database.Backend == "sqlite" && c.Database.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: failed to get user home directory: %v", err)
		}
		c.Database.Path = filepath.Join(home, ".config", "cppclass", "classes.db")
	}
	switch c.Analysis.PointerSize {
	case 0:
		c.Analysis.PointerSize = 8
	case 4, 8:
	default:
		return fmt.Errorf("config: pointer size must be 4 or 8, got %d", c.Analysis.PointerSize)
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
