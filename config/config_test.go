package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, pattern, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), pattern)
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalConfig = `maintenance:
  name: "TestMaint"
  version: "1.0"
mongo:
  host: "db.internal"
  port: 27018
databases:
  exchange: "exchange_v2"
`

func TestLoadConfig(t *testing.T) {
	t.Setenv("MONGO_URI", "")
	path := writeTemp(t, "cfg-*.yml", minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Maintenance.Name != "TestMaint" {
		t.Errorf("unexpected name: %s", cfg.Maintenance.Name)
	}
	if cfg.Mongo.ConnectTimeout != 10*time.Second {
		t.Errorf("default connect timeout not applied: %s", cfg.Mongo.ConnectTimeout)
	}
	if cfg.Dedupe.DeleteChunkSize != 10000 {
		t.Errorf("default chunk size not applied: %d", cfg.Dedupe.DeleteChunkSize)
	}
	if got := cfg.Mongo.ConnectionURI(); got != "mongodb://db.internal:27018/" {
		t.Errorf("unexpected uri: %s", got)
	}
	if got := cfg.Database("exchange"); got != "exchange_v2" {
		t.Errorf("alias not resolved: %s", got)
	}
	if got := cfg.Database("trade"); got != "trade" {
		t.Errorf("default alias not kept: %s", got)
	}
	if got := cfg.Database("custom"); got != "custom" {
		t.Errorf("unknown alias should pass through: %s", got)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MONGO_URI", "mongodb://override:27017/")
	path := writeTemp(t, "cfg-*.yml", minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Mongo.ConnectionURI() != "mongodb://override:27017/" {
		t.Errorf("env override ignored: %s", cfg.Mongo.ConnectionURI())
	}
}

func TestConnectionURIWithAuth(t *testing.T) {
	m := MongoConfig{Host: "h", Port: 1, Auth: true, Username: "u", Password: "p@ss", AuthDB: "admin"}
	if got := m.ConnectionURI(); got != "mongodb://u:p%40ss@h:1/admin" {
		t.Errorf("unexpected uri: %s", got)
	}
}

func TestConnectionURICredentialsRoundTrip(t *testing.T) {
	cases := []struct{ user, pass string }{
		{"ops user", "p w+x/y"},
		{"svc", "a:b@c?d%e"},
		{"plain", "secret"},
	}
	for _, tc := range cases {
		m := MongoConfig{Host: "db.internal", Port: 27017, Auth: true, Username: tc.user, Password: tc.pass, AuthDB: "admin"}
		cs, err := connstring.ParseAndValidate(m.ConnectionURI())
		if err != nil {
			t.Fatalf("%q: driver rejected %s: %v", tc.user, m.ConnectionURI(), err)
		}
		if cs.Username != tc.user || cs.Password != tc.pass {
			t.Errorf("credentials mangled: got %q/%q, want %q/%q", cs.Username, cs.Password, tc.user, tc.pass)
		}
		if cs.Database != "admin" {
			t.Errorf("auth database = %q, want admin", cs.Database)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no name", func(c *Config) { c.Maintenance.Name = "" }, "maintenance.name"},
		{"bad uri", func(c *Config) { c.Mongo.URI = "http://x" }, "mongo.uri"},
		{"auth without password", func(c *Config) { c.Mongo.Auth = true; c.Mongo.Username = "u" }, "mongo.username"},
		{"tls without ca", func(c *Config) { c.Mongo.TLS.Enabled = true }, "ca_file"},
		{"zero chunk", func(c *Config) { c.Dedupe.DeleteChunkSize = 0 }, "delete_chunk_size"},
		{"bad export format", func(c *Config) { c.Export.Format = "xlsx" }, "export.format"},
		{"s3 without bucket", func(c *Config) { c.Storage.S3.Enabled = true; c.Storage.S3.Region = "eu-west-1" }, "bucket"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := defaultConfig()
			c.mutate(&cfg)
			err := validateConfig(&cfg)
			if c.errSub == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), c.errSub) {
				t.Fatalf("expected error containing %q, got %v", c.errSub, err)
			}
		})
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestLoadTasks(t *testing.T) {
	content := `tasks:
- name: ohlcv
  action: enforce_unique
  database: exchange
  match:
    contains: ["_ohlcv_"]
  key: [timestamp]
- name: meta
  action: create_index
  database: analysis
  enabled: false
  collections: [param_set_meta]
  indexes:
    - keys: [name]
      unique: true
`
	path := writeTemp(t, "tasks-*.yml", content)

	set, err := LoadTasks(path)
	if err != nil {
		t.Fatalf("LoadTasks failed: %v", err)
	}
	if len(set.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(set.Tasks))
	}
	if !set.Tasks[0].IsEnabled() {
		t.Errorf("task without enabled flag should be enabled")
	}
	if set.Tasks[1].IsEnabled() {
		t.Errorf("task with enabled=false should be disabled")
	}
	task, ok := set.Find("meta")
	if !ok || !task.Indexes[0].Unique {
		t.Errorf("unexpected task: %+v", task)
	}
}

func TestValidateTasks(t *testing.T) {
	cases := []struct {
		name   string
		tasks  []Task
		errSub string
	}{
		{"duplicate name", []Task{
			{Name: "a", Action: ActionDrop, Database: "x", Collections: []string{"c"}},
			{Name: "a", Action: ActionDrop, Database: "x", Collections: []string{"c"}},
		}, "more than once"},
		{"unknown action", []Task{{Name: "a", Action: "truncate", Database: "x", Collections: []string{"c"}}}, "unknown action"},
		{"missing key", []Task{{Name: "a", Action: ActionEnforceUnique, Database: "x", Collections: []string{"c"}}}, "key is required"},
		{"blank key", []Task{{Name: "a", Action: ActionEnforceUnique, Database: "x", Collections: []string{"c"}, Key: []string{" "}}}, "empty field"},
		{"no target", []Task{{Name: "a", Action: ActionDrop, Database: "x"}}, "collections or match"},
		{"no database", []Task{{Name: "a", Action: ActionDrop, Collections: []string{"c"}}}, "database"},
		{"missing migration", []Task{{Name: "a", Action: ActionMigrate, Database: "x", Collections: []string{"c"}}}, "migration"},
		{"index without keys", []Task{{Name: "a", Action: ActionCreateIndex, Database: "x", Collections: []string{"c"}, Indexes: []IndexConfig{{}}}}, "keys"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateTasks(&TaskSet{Tasks: c.tasks})
			if err == nil || !strings.Contains(err.Error(), c.errSub) {
				t.Fatalf("expected error containing %q, got %v", c.errSub, err)
			}
		})
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	dir := t.TempDir()
	prod := writeTemp(t, "prod-*.yml", "x: 1")
	envPaths := map[string]string{environmentProduction: prod}
	def := dir + "/default.yml"

	t.Setenv("APP_ENV", "prod")
	if got := resolveEnvSpecificPath("", def, envPaths); got != prod {
		t.Errorf("expected production path, got %s", got)
	}
	if got := resolveEnvSpecificPath("explicit.yml", def, envPaths); got != "explicit.yml" {
		t.Errorf("explicit path should win, got %s", got)
	}

	t.Setenv("APP_ENV", "")
	if got := resolveEnvSpecificPath("", def, envPaths); got != def {
		t.Errorf("expected default path in development, got %s", got)
	}
	if !IsProductionLike(environmentStaging) || IsProductionLike(environmentDevelopment) {
		t.Errorf("unexpected production-like classification")
	}
}
