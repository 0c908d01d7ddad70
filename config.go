package ensemble

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/bcongdon/ensemble/internal/pkg/ecapoll"
)

func loadConfig() {
	viper.SetConfigName("ecarc")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.eca")

	setupDefaults()

	viper.ReadInConfig()

	viper.SetEnvPrefix("eca")
	viper.AutomaticEnv()
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"poll_interval":      "10s", // EC2 throttles anything much faster
		"boot_budget":        "20m",
		"rendezvous_budget":  "10m",
		"termination_budget": "10m",
		"transport_wait":     "10s",
		"transport_attempts": 60,
		"transport_quiet":    "120s",
		"chunk_size":         1024,
		"max_concurrency":    100, // Maximum number of simultaneous ssh deliveries
		"download_retries":   20,
		"ssh_user":           "root",
		"ssh_port":           22,
		"ssh_timeout":        "30s",
		"shared_dir":         "/mnt/nfs-shared",
		"data_dir":           "/mnt/",
		"node_binary":        "",
		"working_location":   ".",
		"progress":           true,
		"verbose":            false,
		"debug":              false,
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose":          "v",
		"local":            "l",
		"poll_interval":    "interval",
		"working_location": "out",
	}
	for key, alias := range aliases {
		viper.RegisterAlias(alias, key)
	}
}

// config holds the tool settings of a Driver. Job parameters live in the
// job configuration set instead.
type config struct {
	Local             bool
	PollInterval      time.Duration
	BootBudget        time.Duration
	RendezvousBudget  time.Duration
	TerminationBudget time.Duration
	TransportWait     time.Duration
	TransportAttempts int
	TransportQuiet    time.Duration
	ChunkSize         int
	MaxConcurrency    int
	DownloadRetries   int
	SSHUser           string
	SSHPort           int
	SSHTimeout        time.Duration
	SharedDir         string
	DataDir           string
	NodeBinary        string
	WorkingLocation   string
	Progress          bool
	Verbose           bool
	Debug             bool
}

func newConfig() *config {
	loadConfig() // Load viper config from settings file(s) and environment
	return &config{
		Local:             viper.GetBool("local"),
		PollInterval:      viper.GetDuration("poll_interval"),
		BootBudget:        viper.GetDuration("boot_budget"),
		RendezvousBudget:  viper.GetDuration("rendezvous_budget"),
		TerminationBudget: viper.GetDuration("termination_budget"),
		TransportWait:     viper.GetDuration("transport_wait"),
		TransportAttempts: viper.GetInt("transport_attempts"),
		TransportQuiet:    viper.GetDuration("transport_quiet"),
		ChunkSize:         viper.GetInt("chunk_size"),
		MaxConcurrency:    viper.GetInt("max_concurrency"),
		DownloadRetries:   viper.GetInt("download_retries"),
		SSHUser:           viper.GetString("ssh_user"),
		SSHPort:           viper.GetInt("ssh_port"),
		SSHTimeout:        viper.GetDuration("ssh_timeout"),
		SharedDir:         viper.GetString("shared_dir"),
		DataDir:           viper.GetString("data_dir"),
		NodeBinary:        viper.GetString("node_binary"),
		WorkingLocation:   viper.GetString("working_location"),
		Progress:          viper.GetBool("progress"),
		Verbose:           viper.GetBool("verbose"),
		Debug:             viper.GetBool("debug"),
	}
}

// validate clamps settings the provider or the protocol can't live with.
func (c *config) validate() {
	if c.PollInterval < ecapoll.MinInterval {
		log.Warnf("poll interval %s is below %s, EC2 would throttle us; using %s", c.PollInterval, ecapoll.MinInterval, ecapoll.MinInterval)
		c.PollInterval = ecapoll.MinInterval
	}
	if c.MaxConcurrency < 1 {
		log.Warn("max concurrency must be at least 1")
		c.MaxConcurrency = 1
	}
	if c.ChunkSize < 1 {
		c.ChunkSize = 1024
	}
}

func (c *config) logLevel() log.Level {
	if c.Debug {
		return log.DebugLevel
	}
	return log.InfoLevel
}
