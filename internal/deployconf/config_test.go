package deployconf

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const jsoncDoc = `{
	// legacy listener block
	"server": {"port": 8001, "timestamp_format": "2006-01-02 15:04"},
	"deploy_remote_name": "deploy",
	"repositories": [
		{
			"name": "app",
			"targets": [
				{
					"ref": "refs/heads/main",
					"deploy_url": "git@y/app.git",
					"hooks": {"build_status": "success", "build_id": 7},
				},
			],
		},
	],
}`

const yamlDoc = `
deploy_remote_name: deploy
default_branch: main
stage_policy:
  pull: abort
repositories:
  - name: app
    targets:
      - ref: refs/heads/main
        deploy_url: git@y/app.git
        branch: release
        hooks:
          build_status: success
          build_id: 7
          tag: false
`

func TestParseJSONCWithDefaults(t *testing.T) {
	cfg, err := Parse([]byte(jsoncDoc), FormatJSON)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Port != 8001 {
		t.Fatalf("expected port 8001, got %d", cfg.Server.Port)
	}
	if cfg.DefaultBranch != DefaultBranch {
		t.Fatalf("expected default branch %q, got %q", DefaultBranch, cfg.DefaultBranch)
	}
	if cfg.StagePolicy.Pull != PolicyTolerate || cfg.StagePolicy.RemoteSetup != PolicyTolerate {
		t.Fatalf("expected tolerate policies, got %+v", cfg.StagePolicy)
	}
	hooks := cfg.Repositories[0].Targets[0].Hooks
	if hooks["build_id"] != float64(7) {
		t.Fatalf("expected float64 hook value, got %#v", hooks["build_id"])
	}
}

func TestParseYAMLNormalizesNumbers(t *testing.T) {
	cfg, err := Parse([]byte(yamlDoc), FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	target := &cfg.Repositories[0].Targets[0]
	if target.Hooks["build_id"] != float64(7) {
		t.Fatalf("yaml int should normalize to float64, got %#v", target.Hooks["build_id"])
	}
	if target.Hooks["tag"] != false {
		t.Fatalf("expected bool hook, got %#v", target.Hooks["tag"])
	}
	if cfg.StagePolicy.Pull != PolicyAbort {
		t.Fatalf("expected abort pull policy, got %q", cfg.StagePolicy.Pull)
	}
	if got := cfg.BranchFor(target); got != "release" {
		t.Fatalf("expected target branch override, got %q", got)
	}
	if got := cfg.BranchFor(&Target{}); got != "main" {
		t.Fatalf("expected document default branch, got %q", got)
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"missing remote":   `{"repositories":[{"name":"app","targets":[]}]}`,
		"no repositories":  `{"deploy_remote_name":"deploy","repositories":[]}`,
		"missing ref":      `{"deploy_remote_name":"deploy","repositories":[{"name":"app","targets":[{"deploy_url":"x"}]}]}`,
		"missing url":      `{"deploy_remote_name":"deploy","repositories":[{"name":"app","targets":[{"ref":"r"}]}]}`,
		"escaping name":    `{"deploy_remote_name":"deploy","repositories":[{"name":"../etc","targets":[]}]}`,
		"bad policy":       `{"deploy_remote_name":"deploy","stage_policy":{"pull":"retry"},"repositories":[{"name":"app"}]}`,
		"non-scalar hook":  `{"deploy_remote_name":"deploy","repositories":[{"name":"app","targets":[{"ref":"r","deploy_url":"u","hooks":{"a":{"b":1}}}]}]}`,
		"wrong shape":      `{"deploy_remote_name":"deploy","repositories":{"name":"app"}}`,
		"remote has space": `{"deploy_remote_name":"de ploy","repositories":[{"name":"app"}]}`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc), FormatJSON); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidationMessagesUseDocumentNames(t *testing.T) {
	_, err := Parse([]byte(`{"deploy_remote_name":"deploy","repositories":[{"name":"app","targets":[{"ref":"r"}]}]}`), FormatJSON)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "repositories[0].targets[0].deploy_url is required") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestLoadPicksFormatFromExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.yml")
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultBranch != "main" {
		t.Fatalf("expected yaml document to load, got branch %q", cfg.DefaultBranch)
	}
	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	doc := `{
		"deploy_remote_name": "deploy",
		"repositories": [
			{"name": "app", "targets": [
				{"ref": "refs/heads/main", "deploy_url": "first"},
				{"ref": "refs/heads/main", "deploy_url": "second"}
			]},
			{"name": "app", "targets": [{"ref": "refs/heads/main", "deploy_url": "shadowed"}]},
			{"name": "web", "targets": [{"ref": "refs/heads/dev", "deploy_url": "web-dev"}]}
		]
	}`
	cfg, err := Parse([]byte(doc), FormatJSON)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Warnings()) != 2 {
		t.Fatalf("expected 2 duplicate warnings, got %v", cfg.Warnings())
	}
	for i := 0; i < 3; i++ {
		repo, target, err := cfg.Resolve("app", "refs/heads/main")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if repo != &cfg.Repositories[0] || target.DeployURL != "first" {
			t.Fatalf("expected first entries, got %q", target.DeployURL)
		}
	}

	if _, _, err := cfg.Resolve("missing", "refs/heads/main"); !errors.Is(err, ErrRepositoryNotFound) {
		t.Fatalf("expected ErrRepositoryNotFound, got %v", err)
	}
	repo, _, err := cfg.Resolve("web", "refs/heads/main")
	if !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("expected ErrTargetNotFound, got %v", err)
	}
	if repo == nil || repo.Name != "web" {
		t.Fatalf("expected repository to be returned alongside target miss")
	}
}
