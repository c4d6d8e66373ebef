package app

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// Name is the directory name under the user config root.
	Name = "meshlink"

	ConfigFilename = "config.json"
	DBFilename     = "history.sqlite"
	LogFilename    = "meshlink.log"
)

// DefaultIPPort is the radio's TCP API port.
const DefaultIPPort = 4403

// Paths stores resolved runtime file locations for user config and logs.
type Paths struct {
	RootDir    string
	ConfigFile string
	DBFile     string
	LogFile    string
}

func ResolvePaths() (Paths, error) {
	cfgRoot, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve config dir: %w", err)
	}

	root := filepath.Join(cfgRoot, Name)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create app config dir: %w", err)
	}

	return Paths{
		RootDir:    root,
		ConfigFile: filepath.Join(root, ConfigFilename),
		DBFile:     filepath.Join(root, DBFilename),
		LogFile:    filepath.Join(root, LogFilename),
	}, nil
}
