package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OUTREACH_"

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// already set win. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// envOverrides maps variable suffixes to setters. Secrets belong here rather
// than in the config file.
var envOverrides = map[string]func(c *Config, v string) error{
	"TELEGRAM_TOKEN": func(c *Config, v string) error { c.Telegram.Token = v; return nil },
	"OPS_CHAT_ID": func(c *Config, v string) error {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Telegram.OpsChatID = id
		return nil
	},
	"OPS_THREAD_ID": func(c *Config, v string) error {
		id, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Telegram.OpsThreadID = id
		return nil
	},
	"AMQP_URL": func(c *Config, v string) error {
		if c.AMQP == nil {
			c.AMQP = &AMQPConfig{}
		}
		c.AMQP.URL = v
		return nil
	},
	"STORAGE_PATH": func(c *Config, v string) error { c.Storage.Path = v; return nil },
	"LOG_LEVEL":    func(c *Config, v string) error { c.Logging.Level = v; return nil },
	"TIMEZONE":     func(c *Config, v string) error { c.Timezone = v; return nil },
	"OPS_TOKEN":    func(c *Config, v string) error { c.OpsHTTP.Token = v; return nil },
}

// ApplyEnv applies OUTREACH_* overrides from lookup (os.LookupEnv when nil).
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	for suffix, set := range envOverrides {
		v, ok := lookup(EnvPrefix + suffix)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if err := set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, suffix, err))
		}
	}
	return errors.Join(errs...)
}
