package config

import (
	"fmt"
	"log/slog"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every setting of a benchmark run. Values come from NETBENCH_* environment variables and may then be
// overridden by command line flags, so call Validate once both have been applied.
type Config struct {
	RuntimeSeconds  int    `envconfig:"RUNTIME_SECONDS" default:"60" validate:"gte=1"`
	TimeoutSeconds  int    `envconfig:"TIMEOUT_SECONDS" default:"0" validate:"gte=0"` // 0 uses each tool's own buffer
	IPType          string `envconfig:"IP_TYPE" default:"external" validate:"oneof=internal external"`
	CellRetries     int    `envconfig:"CELL_RETRIES" default:"0" validate:"gte=0,lte=10"`
	PairConcurrency int    `envconfig:"PAIR_CONCURRENCY" default:"1" validate:"gte=1"`
	Mesh            bool   `envconfig:"MESH"` // benchmark every pair of machines instead of exactly one pair
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	MonitorHosts    bool   `envconfig:"MONITOR_HOSTS"` // sample /proc on both machines around every cell

	ResultsPath   string `envconfig:"RESULTS_PATH" default:"results/results.json" validate:"required"`
	ResultsBucket string `envconfig:"RESULTS_BUCKET"`
	RunURI        string `envconfig:"RUN_URI"`

	InventoryFile string `envconfig:"INVENTORY_FILE"`
	ToolsFile     string `envconfig:"TOOLS_FILE"`
	SSHUser       string `envconfig:"SSH_USER" default:"ubuntu" validate:"required"`
	SSHKeyPath    string `envconfig:"SSH_KEY_PATH"`
	SSHPort       int    `envconfig:"SSH_PORT" default:"22" validate:"gte=1,lte=65535"`

	// Only used when machines are provisioned rather than read from InventoryFile.
	Project     string `envconfig:"PROJECT" default:"netbenchmark"`
	Zone        string `envconfig:"ZONE" default:"us-east-1a" validate:"required"`
	MachineType string `envconfig:"MACHINE_TYPE" default:"t3.micro" validate:"required"`
	NodeCount   int    `envconfig:"NODE_COUNT" default:"2" validate:"gte=2"`
	ImageID     string `envconfig:"IMAGE_ID"`
	DiskSizeGB  int    `envconfig:"DISK_SIZE_GB" default:"0" validate:"gte=0"`
	DiskName    string `envconfig:"DISK_NAME"`
}

// New reads the configuration from the environment.
func New() (*Config, error) {
	cfg := &Config{}
	err := envconfig.Process("netbench", cfg)
	if err != nil {
		return nil, fmt.Errorf("reading configuration from environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	err := validate.Struct(c)
	if err != nil {
		return err
	}

	if c.InventoryFile == "" {
		if c.ImageID == "" {
			return fmt.Errorf("ImageID is required to provision machines when no InventoryFile is given")
		}
		if _, err := c.Region(); err != nil {
			return err
		}
	}
	if c.DiskSizeGB == 0 && c.DiskName != "" {
		return fmt.Errorf("DiskName is set but DiskSizeGB is 0")
	}
	if !c.Mesh && c.NodeCount != 2 {
		return fmt.Errorf("NodeCount must be 2 unless Mesh is set, got %d", c.NodeCount)
	}
	return nil
}

// Region is the AWS region the Zone belongs to.
func (c *Config) Region() (string, error) {
	zone := strings.TrimSpace(c.Zone)
	if len(zone) < 2 || zone[len(zone)-1] < 'a' || zone[len(zone)-1] > 'z' || !strings.Contains(zone, "-") {
		return "", fmt.Errorf("zone %q is not an availability zone name", c.Zone)
	}
	return zone[:len(zone)-1], nil
}

func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	if err != nil {
		return slog.LevelInfo
	}
	return level
}
