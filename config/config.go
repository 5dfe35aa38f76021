// Package config decodes the tracker's YAML configuration file.
package config

import (
	"io"
	"io/ioutil"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/btracker-go/utracker/pkg/log"
	"github.com/btracker-go/utracker/udp"
)

// StorageConfig names the storage.PeerStore driver to construct and
// carries its driver-specific configuration block unparsed, so this
// package never needs to know what any given backend requires.
type StorageConfig struct {
	Name   string      `yaml:"name"`
	Config interface{} `yaml:"config"`
}

// Config is the root of the tracker's configuration file.
type Config struct {
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracker     udp.Config    `yaml:"tracker"`
	Storage     StorageConfig `yaml:"storage"`
}

const defaultMetricsAddr = "0.0.0.0:6880"

// Validate fills in defaults for fields the file left zero and logs a
// warning for each one, the same way udp.Config.Validate does for the
// tracker block.
func (cfg Config) Validate() Config {
	validated := cfg
	validated.Tracker = cfg.Tracker.Validate()

	if validated.MetricsAddr == "" {
		validated.MetricsAddr = defaultMetricsAddr
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "MetricsAddr",
			"provided": cfg.MetricsAddr,
			"default":  validated.MetricsAddr,
		})
	}

	if validated.Storage.Name == "" {
		validated.Storage.Name = "memory"
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "Storage.Name",
			"provided": cfg.Storage.Name,
			"default":  validated.Storage.Name,
		})
	}

	return validated
}

// ConfigFile is the on-disk representation of Config, nested under a
// top-level "utracker" key so the file can grow sibling top-level keys
// later without colliding with the tracker's own fields.
type ConfigFile struct {
	Utracker Config `yaml:"utracker"`
}

// DecodeConfigFile parses a ConfigFile from r.
func DecodeConfigFile(r io.Reader) (*ConfigFile, error) {
	contents, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	if err := yaml.Unmarshal(contents, &cfgFile); err != nil {
		return nil, err
	}
	cfgFile.Utracker = cfgFile.Utracker.Validate()

	return &cfgFile, nil
}

// OpenConfigFile opens and parses a ConfigFile from the given path.
func OpenConfigFile(path string) (*ConfigFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return DecodeConfigFile(f)
}
