package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
)

const Name = "fedbridge"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host          string
		SshPort       int    `yaml:"sshPort"`
		HttpPort      int    `yaml:"httpPort"`
		Domain        string `yaml:"domain"`
		WithAdmin     bool   `yaml:"withAdmin"`
		QueuePollSecs int    `yaml:"queuePollSecs"`
		CacheTtlSecs  int    `yaml:"cacheTtlSecs"`
		CacheSize     int    `yaml:"cacheSize"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("FEDBRIDGE_HOST")
	envSshPort := os.Getenv("FEDBRIDGE_SSHPORT")
	envHttpPort := os.Getenv("FEDBRIDGE_HTTPPORT")
	envDomain := os.Getenv("FEDBRIDGE_DOMAIN")
	envWithAdmin := os.Getenv("FEDBRIDGE_WITH_ADMIN")
	envQueuePoll := os.Getenv("FEDBRIDGE_QUEUE_POLL_SECS")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envSshPort != "" {
		v, err := strconv.Atoi(envSshPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.SshPort = v
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envDomain != "" {
		c.Conf.Domain = envDomain
	}

	if envWithAdmin == "true" {
		c.Conf.WithAdmin = true
	}

	if envQueuePoll != "" {
		v, err := strconv.Atoi(envQueuePoll)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.QueuePollSecs = v
	}

	if c.Conf.QueuePollSecs <= 0 {
		c.Conf.QueuePollSecs = 10
	}
	if c.Conf.CacheTtlSecs <= 0 {
		c.Conf.CacheTtlSecs = 300
	}
	if c.Conf.CacheSize <= 0 {
		c.Conf.CacheSize = 5000
	}

	return c, nil
}
