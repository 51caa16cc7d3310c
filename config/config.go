// Package config loads the redo pipeline's tunables from an ini file: a
// struct of defaults overridden section-by-section from a
// gopkg.in/ini.v1 file, with a package-level ConfigPath recording where
// it came from.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/nimbusdb/redo/internal/redo"
)

// ConfigPath records the directory Load resolved its ini file from, for
// diagnostics the way server/conf.ConfigPath does.
var ConfigPath string

// Cfg holds every tunable the redo pipeline and replay engine need.
// Zero-value fields are filled in by NewCfg's defaults, then overridden
// by whatever sections Load finds in the ini file.
type Cfg struct {
	Raw *ini.File

	// [redo]
	ContextCount   int    `ini:"context_count"`
	RedoBufferSize int    `ini:"redo_buffer_size"`
	RedoLogDir     string `ini:"redo_log_dir"`
	Durability     string `ini:"durability"`

	// [replica]
	MaxThreads int `ini:"max_threads"`
	QueueDepth int `ini:"queue_depth"`
	IndexTTLMS int `ini:"index_ttl_ms"`

	// [log]
	LogLevel     string `ini:"log_level"`
	InfoLogPath  string `ini:"info_log_path"`
	ErrorLogPath string `ini:"error_log_path"`
}

// NewCfg returns a Cfg with the same conservative defaults a fresh
// database would boot with absent any ini file at all.
func NewCfg() *Cfg {
	return &Cfg{
		Raw:            ini.Empty(),
		ContextCount:   4,
		RedoBufferSize: 1 << 20, // 1MiB
		RedoLogDir:     "./redo",
		Durability:     "sync",

		MaxThreads: 0, // DefaultSize reads the logical CPU count
		QueueDepth: 64,
		IndexTTLMS: 5 * 60 * 1000,

		LogLevel: "info",
	}
}

// Load reads path (if non-empty) into cfg, section by section, leaving
// NewCfg's defaults in place for any key the file omits. An empty path
// is not an error: it just means "use the defaults", the same way a
// freshly initialized database has nothing to load yet.
func (cfg *Cfg) Load(path string) (*Cfg, error) {
	if path == "" {
		return cfg, nil
	}
	ConfigPath, _ = filepath.Abs(filepath.Dir(path))

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg.Raw = iniFile

	cfg.parseRedoSection(iniFile.Section("redo"))
	cfg.parseReplicaSection(iniFile.Section("replica"))
	cfg.parseLogSection(iniFile.Section("log"))
	return cfg, nil
}

func (cfg *Cfg) parseRedoSection(s *ini.Section) {
	cfg.ContextCount = s.Key("context_count").MustInt(cfg.ContextCount)
	cfg.RedoBufferSize = s.Key("redo_buffer_size").MustInt(cfg.RedoBufferSize)
	cfg.RedoLogDir = s.Key("redo_log_dir").MustString(cfg.RedoLogDir)
	cfg.Durability = s.Key("durability").MustString(cfg.Durability)
}

func (cfg *Cfg) parseReplicaSection(s *ini.Section) {
	cfg.MaxThreads = s.Key("max_threads").MustInt(cfg.MaxThreads)
	cfg.QueueDepth = s.Key("queue_depth").MustInt(cfg.QueueDepth)
	cfg.IndexTTLMS = s.Key("index_ttl_ms").MustInt(cfg.IndexTTLMS)
}

func (cfg *Cfg) parseLogSection(s *ini.Section) {
	cfg.LogLevel = s.Key("log_level").MustString(cfg.LogLevel)
	cfg.InfoLogPath = s.Key("info_log_path").MustString(cfg.InfoLogPath)
	cfg.ErrorLogPath = s.Key("error_log_path").MustString(cfg.ErrorLogPath)
}

// DurabilityMode parses cfg.Durability into the redo package's enum,
// defaulting to SYNC on anything unrecognized so a typo'd ini value fails
// safe toward stronger durability rather than silently weaker.
func (cfg *Cfg) DurabilityMode() redo.DurabilityMode {
	switch strings.ToLower(cfg.Durability) {
	case "no_sync", "nosync":
		return redo.DurabilityNoSync
	case "no_flush", "noflush":
		return redo.DurabilityNoFlush
	case "no_redo", "noredo":
		return redo.DurabilityNoRedo
	default:
		return redo.DurabilitySync
	}
}
