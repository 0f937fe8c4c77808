package pkgbatch

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the values read from the settings file, merged with
// PKGBATCH_* environment overrides.
type Config struct {
	Values        map[string]string
	CacheDir      string
	PkgConfigPath string // default used when no override is given on the command line
	Make          string
	Jobs          int
	S3            S3Settings
}

// S3Settings configures access to s3:// source URLs.
type S3Settings struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// loadConfig reads the settings file at path (a missing file is not an
// error) and applies PKGBATCH_* env overrides.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	mergeEnvOverrides(cfg)
	return cfg, nil
}

// Merge PKGBATCH_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "PKGBATCH_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

// initConfig resolves defaults. home is the acting user's home directory,
// so it must be called after any privilege drop.
func initConfig(cfg *Config, home string) {
	cfg.CacheDir = cfg.Values["PKGBATCH_CACHE_DIR"]
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(home, ".cache", "pkgbatch")
	}

	cfg.PkgConfigPath = cfg.Values["PKGBATCH_PKG_CONFIG_PATH"]
	if cfg.PkgConfigPath == "" {
		cfg.PkgConfigPath = defaultPkgConfigPath
	}

	cfg.Make = cfg.Values["PKGBATCH_MAKE"]
	if cfg.Make == "" {
		cfg.Make = "make"
	}

	cfg.Jobs = 0
	if jobs, err := strconv.Atoi(cfg.Values["PKGBATCH_JOBS"]); err == nil && jobs > 0 {
		cfg.Jobs = jobs
	}

	Debug = cfg.Values["PKGBATCH_DEBUG"] == "1"

	cfg.S3 = S3Settings{
		Endpoint:        strings.TrimRight(cfg.Values["PKGBATCH_S3_ENDPOINT"], "/"),
		Region:          cfg.Values["PKGBATCH_S3_REGION"],
		AccessKeyID:     cfg.Values["PKGBATCH_S3_ACCESS_KEY_ID"],
		SecretAccessKey: cfg.Values["PKGBATCH_S3_SECRET_ACCESS_KEY"],
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "auto"
	}
}
