package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	// EnvPrefix scopes environment overrides
	EnvPrefix = "BACKUPD_"

	// EnvSectionSeparator separates nesting levels in environment keys, so
	// BACKUPD_CONNECTION__SOCKET_PATH sets connection.socket_path
	EnvSectionSeparator = "__"
)

// Load builds a configuration from defaults, then the YAML file at path (if
// path is not empty), then BACKUPD_ environment variables, and validates it
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, EnvSectionSeparator, ".")

	// comma separated values feed list settings
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return key, parts
	}
	return key, value
}

// YAML renders the configuration with durations in their string form, which
// Load parses back
func (c *Config) YAML() ([]byte, error) {
	node, err := encodeNode(reflect.ValueOf(*c))
	if err != nil {
		return nil, err
	}
	doc := &yamlv3.Node{Kind: yamlv3.DocumentNode, Content: []*yamlv3.Node{node}}
	return yamlv3.Marshal(doc)
}

var durationType = reflect.TypeOf(time.Duration(0))

func encodeNode(v reflect.Value) (*yamlv3.Node, error) {
	if v.Type() == durationType {
		return &yamlv3.Node{
			Kind:  yamlv3.ScalarNode,
			Tag:   "!!str",
			Value: time.Duration(v.Int()).String(),
		}, nil
	}

	if v.Kind() != reflect.Struct {
		node := &yamlv3.Node{}
		if err := node.Encode(v.Interface()); err != nil {
			return nil, err
		}
		return node, nil
	}

	mapping := &yamlv3.Node{Kind: yamlv3.MappingNode}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(field.Name)
		}

		value, err := encodeNode(v.Field(i))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		mapping.Content = append(mapping.Content,
			&yamlv3.Node{Kind: yamlv3.ScalarNode, Value: name},
			value)
	}
	return mapping, nil
}
