package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Portal string
	WS     string
	Config string
	Set    map[string]bool
}

// EffectiveConfigResult is the merged view of flags, env and config file.
// Source records which layer supplied the portal address, for the banner.
type EffectiveConfigResult struct {
	Config *Config
	Portal string
	WS     string
	Source string // "flags", "env", or "config"
}

// ParseCommandFlags parses command-line flags and returns them as a Flags
// struct. Callers pass the result to LoadEffective.
func ParseCommandFlags() Flags {
	portalPtr := flag.String("portal", "", "portal REST base URL")
	wsPtr := flag.String("ws", "", "portal push channel URL")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Portal: *portalPtr, WS: *wsPtr, Config: *cfgPtr, Set: set}
}

// ResolveConfigPath resolves the config path: an explicitly set flag wins,
// then CHATSYNC_CONFIG, then the flag default.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("CHATSYNC_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// applyEnvOverrides mutates cfg with CHATSYNC_* environment values and
// reports whether any were present.
func applyEnvOverrides(cfg *Config) bool {
	used := false
	if v := os.Getenv("CHATSYNC_PORTAL_URL"); v != "" {
		cfg.Portal.BaseURL = v
		used = true
	}
	if v := os.Getenv("CHATSYNC_WS_URL"); v != "" {
		cfg.Portal.WSURL = v
		used = true
	}
	if v := os.Getenv("CHATSYNC_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Chat.PageSize = n
			used = true
		}
	}
	if v := os.Getenv("CHATSYNC_RESYNC_CRON"); v != "" {
		cfg.Resync.Enabled = true
		cfg.Resync.Cron = strings.TrimSpace(v)
		used = true
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
		used = true
	}
	return used
}

// LoadEffective loads the config file at path (missing file is not an
// error), applies env overrides and finally flag values. Flags win over
// env, env wins over file.
func LoadEffective(path string, flags Flags) (EffectiveConfigResult, error) {
	cfg := &Config{}
	source := "defaults"
	if path != "" {
		if loaded, err := Load(path); err == nil {
			cfg = loaded
			source = "config"
		} else if !os.IsNotExist(err) {
			return EffectiveConfigResult{}, err
		}
	}
	if applyEnvOverrides(cfg) {
		source = "env"
	}
	if flags.Set["portal"] && flags.Portal != "" {
		cfg.Portal.BaseURL = flags.Portal
		source = "flags"
	}
	if flags.Set["ws"] && flags.WS != "" {
		cfg.Portal.WSURL = flags.WS
		source = "flags"
	}
	return EffectiveConfigResult{
		Config: cfg,
		Portal: cfg.BaseURL(),
		WS:     cfg.WSURL(),
		Source: source,
	}, nil
}
