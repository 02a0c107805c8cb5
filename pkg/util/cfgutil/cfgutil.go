// Copyright (C) 2017 ScyllaDB

package cfgutil

import (
	"fmt"
	"os"

	"go.uber.org/config"
)

// ParseYAML loads files in order into target, keys of later files override
// keys of earlier ones. Missing files are skipped. References of the form
// ${NAME} or ${NAME:default} are expanded from the environment.
func ParseYAML(target interface{}, files ...string) error {
	opts := []config.YAMLOption{
		config.Expand(os.LookupEnv),
	}
	for _, f := range files {
		if fileExists(f) {
			opts = append(opts, config.File(f))
		}
	}
	cfg, err := config.NewYAML(opts...)
	if err != nil {
		return fmt.Errorf("can't load config files %v: %w", files, err)
	}
	if err := cfg.Get(config.Root).Populate(target); err != nil {
		return fmt.Errorf("can't populate config: %w", err)
	}
	return nil
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
