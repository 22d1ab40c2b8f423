// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and SCRIPTORIUM_* environment variables. It
// covers server transports, sandbox limits and the language table that maps
// each supported language to its container image and command templates.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
