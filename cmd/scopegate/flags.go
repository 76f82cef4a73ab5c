package main

import "scopegate/internal/config"

// resolveConfig layers defaults, the optional YAML file at path, and the
// flags the user explicitly set, in that order.
func resolveConfig(path string, flags config.Config, changed func(string) bool) (config.Config, error) {
	if path == "" {
		return flags, nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	overrides := map[string]func(){
		"listen":           func() { cfg.ListenAddr = flags.ListenAddr },
		"cert":             func() { cfg.CertFile = flags.CertFile },
		"key":              func() { cfg.KeyFile = flags.KeyFile },
		"backend":          func() { cfg.BackendWS = flags.BackendWS },
		"path":             func() { cfg.PathPattern = flags.PathPattern },
		"metrics":          func() { cfg.MetricsAddr = flags.MetricsAddr },
		"log-level":        func() { cfg.LogLevel = flags.LogLevel },
		"internal-network": func() { cfg.InternalNetworks = flags.InternalNetworks },
		"max-frame":        func() { cfg.MaxFrame = flags.MaxFrame },
		"max-message":      func() { cfg.MaxMessage = flags.MaxMessage },
		"max-conns":        func() { cfg.MaxConns = flags.MaxConns },
		"read-timeout":     func() { cfg.ReadTimeout = flags.ReadTimeout },
		"write-timeout":    func() { cfg.WriteTimeout = flags.WriteTimeout },
	}
	for name, apply := range overrides {
		if changed(name) {
			apply()
		}
	}
	return cfg, nil
}
