package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role selects which operational roles this deployment plays
type Role string

const (
	RoleADES   Role = "ades"   // local executor
	RoleEMS    Role = "ems"    // workflow dispatcher
	RoleHybrid Role = "hybrid" // both
)

// RequestOptions are the outbound HTTP options applied to one matched request
type RequestOptions struct {
	Retries   int               `yaml:"retries"`
	Backoff   time.Duration     `yaml:"backoff"`
	Timeout   time.Duration     `yaml:"timeout"`
	VerifyTLS *bool             `yaml:"verifyTLS"`
	Headers   map[string]string `yaml:"headers"`
}

// RequestRule matches outbound requests by URL regex and method set
type RequestRule struct {
	URLPattern string         `yaml:"url"`
	Methods    []string       `yaml:"methods"`
	Options    RequestOptions `yaml:"options"`

	re *regexp.Regexp
}

// DataSource maps a netloc glob to the executor that owns data at that location
type DataSource struct {
	NetlocGlob  string `yaml:"netloc"`
	ExecutorURL string `yaml:"executor"`
	Default     bool   `yaml:"default"`
}

// S3Bucket overrides the region for one bucket
type S3Bucket struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
}

// SMTP holds mail delivery settings for job notifications
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Template string `yaml:"template"` // path to an optional custom template
}

// Config is the immutable engine configuration. It is loaded once at startup
// and passed by value through every component constructor.
type Config struct {
	Role     Role   `yaml:"role"`
	BindAddr string `yaml:"bindAddr"`
	DataDir  string `yaml:"dataDir"`

	// Job workspace layout
	JobsDir       string `yaml:"jobsDir"`       // per-job directories live here
	PublicBaseURL string `yaml:"publicBaseURL"` // result URL prefix
	DebugRetain   bool   `yaml:"debugRetain"`   // keep staging dirs after completion

	// Dispatcher
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queueSize"`
	QueueHighWater int           `yaml:"queueHighWater"`
	SyncWaitCap    time.Duration `yaml:"syncWaitCap"`

	// Container runtime
	ContainerdSocket string `yaml:"containerdSocket"`
	RunAsUID         *int   `yaml:"runAsUID"`
	RunAsGID         *int   `yaml:"runAsGID"`

	// Reference fetching
	FileAllowRoots []string      `yaml:"fileAllowRoots"`
	RequestRules   []RequestRule `yaml:"requestOptions"`
	S3Buckets      []S3Bucket    `yaml:"s3Buckets"`
	S3Region       string        `yaml:"s3Region"`
	VaultURL       string        `yaml:"vaultURL"`

	// Workflow dispatch
	DataSources []DataSource `yaml:"dataSources"`
	StepFanOut  int          `yaml:"stepFanOut"`
	ExprEnabled bool         `yaml:"exprEnabled"`

	SMTP SMTP `yaml:"smtp"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// Defaults fills unset fields with engine defaults.
func (c *Config) Defaults() {
	if c.Role == "" {
		c.Role = RoleHybrid
	}
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:4001"
	}
	if c.DataDir == "" {
		c.DataDir = "./tern-data"
	}
	if c.JobsDir == "" {
		c.JobsDir = c.DataDir + "/jobs"
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.QueueHighWater == 0 {
		c.QueueHighWater = c.QueueSize
	}
	if c.SyncWaitCap == 0 {
		c.SyncWaitCap = 20 * time.Second
	}
	if c.StepFanOut == 0 {
		c.StepFanOut = 4
	}
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = "http://" + c.BindAddr
	}
}

// Load reads a YAML configuration file, applies defaults and validates it.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants and compiles request rule patterns.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleADES, RoleEMS, RoleHybrid:
	default:
		return fmt.Errorf("invalid role %q", c.Role)
	}
	if c.PublicBaseURL != "" {
		if _, err := url.Parse(c.PublicBaseURL); err != nil {
			return fmt.Errorf("invalid publicBaseURL: %w", err)
		}
	}
	for i := range c.RequestRules {
		re, err := regexp.Compile(c.RequestRules[i].URLPattern)
		if err != nil {
			return fmt.Errorf("invalid request rule %q: %w", c.RequestRules[i].URLPattern, err)
		}
		c.RequestRules[i].re = re
	}
	if c.Role != RoleADES && len(c.DataSources) > 0 {
		defaults := 0
		for _, ds := range c.DataSources {
			if ds.Default {
				defaults++
			}
		}
		if defaults > 1 {
			return fmt.Errorf("at most one default data source allowed, got %d", defaults)
		}
	}
	return nil
}

// MatchRequest returns the options of the first rule matching url and method,
// or zero options when nothing matches.
func (c *Config) MatchRequest(rawURL, method string) RequestOptions {
	for i := range c.RequestRules {
		r := &c.RequestRules[i]
		if r.re == nil || !r.re.MatchString(rawURL) {
			continue
		}
		if len(r.Methods) > 0 {
			ok := false
			for _, m := range r.Methods {
				if strings.EqualFold(m, method) {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		return r.Options
	}
	return RequestOptions{}
}

// ExecutorFor resolves the data-source executor for a network location.
// Globs support a leading "*." wildcard; the default rule backstops misses.
func (c *Config) ExecutorFor(netloc string) string {
	var fallback string
	for _, ds := range c.DataSources {
		if ds.Default {
			fallback = ds.ExecutorURL
		}
		if matchNetloc(ds.NetlocGlob, netloc) {
			return ds.ExecutorURL
		}
	}
	return fallback
}

// S3RegionFor returns the configured region for a bucket, or the global one.
func (c *Config) S3RegionFor(bucket string) string {
	for _, b := range c.S3Buckets {
		if b.Bucket == bucket {
			return b.Region
		}
	}
	return c.S3Region
}

func matchNetloc(pattern, netloc string) bool {
	if pattern == netloc || pattern == "*" {
		return pattern != ""
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(netloc, pattern[1:])
	}
	return false
}
