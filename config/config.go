/*
Package config loads and saves the node's YAML configuration file: a
single struct, a baked-in default used when the file is missing or
empty, and a round-tripping save.
*/
package config

import (
	_ "embed"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultConfig []byte

// PeerSeed is one entry in the initial bootstrap peer list.
type PeerSeed struct {
	PublicKey string   `yaml:"PublicKey"` // hex-encoded
	Address   []string `yaml:"Address"`   // IP:Port
}

type VLanConfig struct {
	Enabled        bool  `yaml:"Enabled"`
	MonitoredPorts []int `yaml:"MonitoredPorts"`
}

type ControlAPIConfig struct {
	Enabled bool   `yaml:"Enabled"`
	Listen  string `yaml:"Listen"`
}

// Config is the full node configuration.
type Config struct {
	LogFile  string `yaml:"LogFile"`
	LogLevel string `yaml:"LogLevel"`

	Listen        []string `yaml:"Listen"`
	ListenWorkers int      `yaml:"ListenWorkers"`

	PrivateKey string `yaml:"PrivateKey"` // hex-encoded seed; generated and persisted on first run if empty

	DiscoveryPort int `yaml:"DiscoveryPort"`

	ShareDir  string `yaml:"ShareDir"`
	StorePath string `yaml:"StorePath"`

	// UPnP enables best-effort automatic port mapping on the local
	// gateway during Start. Off by default: most test and container
	// environments have no reachable InternetGatewayDevice, and a
	// failed discovery attempt should never be mistaken for a node
	// startup failure.
	UPnP bool `yaml:"UPnP"`

	VLan       VLanConfig       `yaml:"VLan"`
	ControlAPI ControlAPIConfig `yaml:"ControlAPI"`

	SeedList []PeerSeed `yaml:"SeedList"`
}

// Default returns the baked-in default configuration.
func Default() (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(defaultConfig, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads filename, falling back to the built-in defaults when the
// file does not exist or is empty. It never writes to disk itself; the
// caller should call Save after filling in anything generated at
// runtime (e.g. a freshly generated PrivateKey).
func Load(filename string) (*Config, error) {
	var data []byte

	stat, err := os.Stat(filename)
	switch {
	case err != nil && os.IsNotExist(err):
		data = defaultConfig
	case err != nil:
		return nil, err
	case stat.Size() == 0:
		data = defaultConfig
	default:
		if data, err = os.ReadFile(filename); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes c to filename as YAML.
func Save(filename string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o600)
}
