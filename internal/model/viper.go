package model

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every configuration key read from the environment,
// agent.server_key becomes ALRJ_AGENT_SERVER_KEY.
const EnvPrefix = "ALRJ"

// legacyEnv keeps the variable names of existing deployments working.
var legacyEnv = map[string][]string{
	"agent.server_key":    {"SERVER_KEY"},
	"agent.company_key":   {"COMPANY_KEY"},
	"agent.listen":        {"LISTEN"},
	"controller.api_url":  {"APPYCENTRIC_API_URL"},
	"controller.poll_url": {"APPYCENTRIC_ADMIN_URL"},
}

// ReadConfig layers the defaults, the optional YAML file at path and the
// environment, then validates the result.
func ReadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return Config{}, fmt.Errorf("encoding defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("reading defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
