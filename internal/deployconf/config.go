// Package deployconf loads the deployment document that maps repositories and
// branch refs to deploy targets, and resolves incoming events against it.
//
// The document is read once at startup. JSON (optionally with comments and
// trailing commas) and YAML are accepted; the result is validated before the
// agent starts serving so shape errors surface immediately rather than at
// deploy time.
package deployconf

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Policy controls how a non-zero exit from an intermediate stage is handled.
type Policy string

const (
	// PolicyTolerate logs the failure and carries on to the next stage.
	PolicyTolerate Policy = "tolerate"
	// PolicyAbort ends the attempt as failed.
	PolicyAbort Policy = "abort"
)

// DefaultBranch is pulled and force-pushed when neither the document nor the
// target names one.
const DefaultBranch = "master"

// Format identifies the encoding of a deployment document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var (
	// ErrRepositoryNotFound means no repository entry has the event's name.
	ErrRepositoryNotFound = errors.New("deployconf: repository not configured")
	// ErrTargetNotFound means the repository has no target for the event's ref.
	ErrTargetNotFound = errors.New("deployconf: target not configured")
)

// Config is the parsed deployment document.
type Config struct {
	Server           Server       `json:"server" yaml:"server"`
	DeployRemoteName string       `json:"deploy_remote_name" yaml:"deploy_remote_name" validate:"required,excludesall= /\\"`
	DefaultBranch    string       `json:"default_branch" yaml:"default_branch" validate:"omitempty,excludesall= "`
	StagePolicy      StagePolicy  `json:"stage_policy" yaml:"stage_policy"`
	Repositories     []Repository `json:"repositories" yaml:"repositories" validate:"required,min=1,dive"`

	warnings []string
}

// Server carries listener settings. Port is used when AUTODEPLOY_ADDR is unset.
type Server struct {
	Port            int    `json:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	TimestampFormat string `json:"timestamp_format" yaml:"timestamp_format"`

	// Layout is TimestampFormat as a Go time layout, set by Parse.
	Layout string `json:"-" yaml:"-"`
}

// StagePolicy selects the failure handling for the tolerant stages.
type StagePolicy struct {
	RemoteSetup Policy `json:"remote_setup" yaml:"remote_setup" validate:"omitempty,oneof=tolerate abort"`
	Pull        Policy `json:"pull" yaml:"pull" validate:"omitempty,oneof=tolerate abort"`
}

// Repository maps a source repository name to its deploy targets.
type Repository struct {
	Name    string   `json:"name" yaml:"name" validate:"required,localname"`
	Targets []Target `json:"targets" yaml:"targets" validate:"dive"`
}

// Target pairs a branch ref with a deploy destination and its hooks.
type Target struct {
	Ref       string         `json:"ref" yaml:"ref" validate:"required"`
	DeployURL string         `json:"deploy_url" yaml:"deploy_url" validate:"required"`
	Branch    string         `json:"branch,omitempty" yaml:"branch,omitempty" validate:"omitempty,excludesall= "`
	Hooks     map[string]any `json:"hooks" yaml:"hooks"`
}

// Load reads and parses the document at path. The format follows the file
// extension: .yaml/.yml are YAML, anything else is JSON with comments allowed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FormatForPath picks the document format from a file name.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes, normalizes, applies defaults to, and validates a document.
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	case FormatJSON, "":
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	if err := cfg.normalizeHooks(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	layout, err := TimeLayout(cfg.Server.TimestampFormat)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: server.%w", err)
	}
	cfg.Server.Layout = layout
	cfg.warnings = duplicateWarnings(&cfg)
	return &cfg, nil
}

// Warnings lists non-fatal findings such as duplicate repository names.
func (c *Config) Warnings() []string {
	return append([]string(nil), c.warnings...)
}

// BranchFor returns the branch pulled and pushed for target.
func (c *Config) BranchFor(target *Target) string {
	if target != nil && target.Branch != "" {
		return target.Branch
	}
	return c.DefaultBranch
}

func (c *Config) applyDefaults() {
	if c.DefaultBranch == "" {
		c.DefaultBranch = DefaultBranch
	}
	if c.StagePolicy.RemoteSetup == "" {
		c.StagePolicy.RemoteSetup = PolicyTolerate
	}
	if c.StagePolicy.Pull == "" {
		c.StagePolicy.Pull = PolicyTolerate
	}
}

// normalizeHooks round-trips hook values through JSON so YAML integers become
// float64, matching what a decoded JSON payload contains.
func (c *Config) normalizeHooks() error {
	for ri := range c.Repositories {
		repo := &c.Repositories[ri]
		for ti := range repo.Targets {
			target := &repo.Targets[ti]
			if len(target.Hooks) == 0 {
				continue
			}
			raw, err := json.Marshal(target.Hooks)
			if err != nil {
				return fmt.Errorf("repositories[%d].targets[%d].hooks: %w", ri, ti, err)
			}
			normalized := make(map[string]any, len(target.Hooks))
			if err := json.Unmarshal(raw, &normalized); err != nil {
				return fmt.Errorf("repositories[%d].targets[%d].hooks: %w", ri, ti, err)
			}
			for path, value := range normalized {
				if strings.TrimSpace(path) == "" {
					return fmt.Errorf("repositories[%d].targets[%d].hooks: empty path", ri, ti)
				}
				switch value.(type) {
				case nil, string, float64, bool:
				default:
					return fmt.Errorf("repositories[%d].targets[%d].hooks[%q]: value must be a scalar", ri, ti, path)
				}
			}
			target.Hooks = normalized
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("localname", func(fl validator.FieldLevel) bool {
		return ValidLocalName(fl.Field().String())
	})
	return v
}

// ValidLocalName reports whether name can be used as a directory under the
// repositories root.
func ValidLocalName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

// Validate checks the document shape.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "localname":
		return field + " must be a plain directory name"
	case "excludesall":
		return field + " contains forbidden characters"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

func duplicateWarnings(cfg *Config) []string {
	var out []string
	seenRepo := make(map[string]int)
	for ri, repo := range cfg.Repositories {
		if first, ok := seenRepo[repo.Name]; ok {
			out = append(out, fmt.Sprintf("repositories[%d] duplicates name %q of repositories[%d]; the first entry wins", ri, repo.Name, first))
		} else {
			seenRepo[repo.Name] = ri
		}
		seenRef := make(map[string]int)
		for ti, target := range repo.Targets {
			if first, ok := seenRef[target.Ref]; ok {
				out = append(out, fmt.Sprintf("repositories[%d].targets[%d] duplicates ref %q of targets[%d]; the first entry wins", ri, ti, target.Ref, first))
				continue
			}
			seenRef[target.Ref] = ti
		}
	}
	return out
}
