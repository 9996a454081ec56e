package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"

	"github.com/freeeve/lakehouse/internal/spec"
)

// FieldDefinition is one column of a table definition file.
type FieldDefinition struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
}

// TableDefinition is the YAML form of a new table:
//
//	fields:
//	  - {name: dt, type: STRING NOT NULL}
//	  - {name: id, type: BIGINT NOT NULL}
//	  - {name: v, type: STRING}
//	primary-keys: [dt, id]
//	partition-keys: [dt]
//	options:
//	  bucket: "2"
type TableDefinition struct {
	Comment       string            `yaml:"comment,omitempty"`
	Fields        []FieldDefinition `yaml:"fields"`
	PrimaryKeys   []string          `yaml:"primary-keys"`
	PartitionKeys []string          `yaml:"partition-keys,omitempty"`
	Options       map[string]string `yaml:"options,omitempty"`
}

// LoadTableDefinition reads a table definition from a YAML file.
func LoadTableDefinition(path string) (*TableDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read table definition %s", path)
	}
	return ParseTableDefinition(data)
}

// ParseTableDefinition decodes a YAML table definition.
func ParseTableDefinition(data []byte) (*TableDefinition, error) {
	var def TableDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "decode table definition")
	}
	return &def, nil
}

// Schema converts the definition into schema id 0, validated.
func (d *TableDefinition) Schema() (*spec.TableSchema, error) {
	fields := make([]spec.DataField, len(d.Fields))
	for i, f := range d.Fields {
		t, err := spec.ParseDataType(f.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "field %s", f.Name)
		}
		fields[i] = spec.DataField{Name: f.Name, Type: t, Description: f.Description}
	}
	s := spec.NewSchema(fields, d.PrimaryKeys, d.PartitionKeys, d.Options)
	s.Comment = d.Comment
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if _, err := FromMap(s.Options); err != nil {
		return nil, err
	}
	return s, nil
}

// ServerConfig configures cmd/api.
type ServerConfig struct {
	Logger     LoggerConfig     `yaml:"logger"`
	HTTP       HTTPConfig       `yaml:"http"`
	Table      TableConfig      `yaml:"table"`
	Compaction CompactionConfig `yaml:"compaction"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read-header-timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown-timeout"`
}

type TableConfig struct {
	Path       string `yaml:"path"`
	CommitUser string `yaml:"commit-user"`
}

// CompactionConfig drives the background maintenance loops. A zero interval
// disables the loop.
type CompactionConfig struct {
	Interval       time.Duration `yaml:"interval"`
	ExpireInterval time.Duration `yaml:"expire-interval"`
	Concurrency    int           `yaml:"concurrency"`
}

type IngestConfig struct {
	Enabled      bool          `yaml:"enabled"`
	WatchDir     string        `yaml:"watch-dir"`
	ProcessedDir string        `yaml:"processed-dir"`
	PollInterval time.Duration `yaml:"poll-interval"`
}

// MetricsConfig configures the statsd reporter. An empty address disables it.
type MetricsConfig struct {
	StatsdAddress string        `yaml:"statsd-address"`
	Prefix        string        `yaml:"prefix"`
	Interval      time.Duration `yaml:"interval"`
}

// DefaultServerConfig returns the configuration used when no file exists.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Logger: LoggerConfig{Level: "info"},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Table: TableConfig{
			Path:       "./data/table",
			CommitUser: "api",
		},
		Compaction: CompactionConfig{
			Interval:       30 * time.Second,
			ExpireInterval: 5 * time.Minute,
			Concurrency:    2,
		},
		Ingest: IngestConfig{
			WatchDir:     "./data/incoming",
			ProcessedDir: "./data/processed",
			PollInterval: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Prefix:   "lakehouse",
			Interval: 10 * time.Second,
		},
	}
}

// LoadServerConfig reads a YAML server config over the defaults. A missing
// file yields the defaults.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "decode config %s", path)
	}
	return cfg, nil
}
