package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hostforge/hostforge/pkg/engine"
	"github.com/hostforge/hostforge/pkg/telemetry"
)

func policyLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func policyStep(id string, kind engine.StepKind, params string) engine.StepSpec {
	return engine.StepSpec{ID: id, Kind: kind, Params: json.RawMessage(params)}
}

func cleanPlan() *engine.Plan {
	return &engine.Plan{
		Name:      "web-stack",
		OnFailure: engine.PolicyAbort,
		Steps: []engine.StepSpec{
			policyStep("install-nginx", engine.KindPackageInstall, `{"packages":["nginx"]}`),
			policyStep("open-http", engine.KindFirewallRule, `{"port":80,"proto":"tcp","action":"allow"}`),
		},
	}
}

func TestEvaluateAllowsCleanPlan(t *testing.T) {
	e := NewEngine(policyLogger(t))

	result, err := e.Evaluate(context.Background(), cleanPlan())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Allowed {
		t.Errorf("clean plan should be allowed, violations: %+v", result.Violations)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %+v", result.Warnings)
	}
}

func TestEvaluateDeniesSSHStop(t *testing.T) {
	e := NewEngine(policyLogger(t))

	p := cleanPlan()
	p.Steps = append(p.Steps,
		policyStep("stop-ssh", engine.KindServiceEnsure, `{"name":"sshd","state":"stopped"}`))

	result, err := e.Evaluate(context.Background(), p)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Allowed {
		t.Fatal("stopping sshd must be denied")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "ssh-lockout" && v.StepID == "stop-ssh" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ssh-lockout violation for stop-ssh, got %+v", result.Violations)
	}
}

func TestEvaluateDeniesSSHDisable(t *testing.T) {
	e := NewEngine(policyLogger(t))

	p := cleanPlan()
	p.Steps = append(p.Steps,
		policyStep("no-ssh-boot", engine.KindServiceEnsure, `{"name":"ssh","state":"started","enabled":false}`))

	result, err := e.Evaluate(context.Background(), p)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Allowed {
		t.Fatal("disabling sshd at boot must be denied")
	}
}

func TestEvaluateDeniesFirewallPort22(t *testing.T) {
	e := NewEngine(policyLogger(t))

	p := cleanPlan()
	p.Steps = append(p.Steps,
		policyStep("block-ssh", engine.KindFirewallRule, `{"port":22,"proto":"tcp","action":"deny"}`))

	result, err := e.Evaluate(context.Background(), p)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Allowed {
		t.Fatal("denying port 22 must be rejected")
	}
}

func TestEvaluateDeniesBadStepName(t *testing.T) {
	e := NewEngine(policyLogger(t))

	p := cleanPlan()
	p.Steps = append(p.Steps,
		policyStep("Install Nginx", engine.KindPackageInstall, `{"packages":["nginx"]}`))

	result, err := e.Evaluate(context.Background(), p)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Allowed {
		t.Fatal("uppercase step id must be denied")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "step-naming" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected step-naming violation, got %+v", result.Violations)
	}
}

func TestEvaluateWarnsOnDisabledRollback(t *testing.T) {
	e := NewEngine(policyLogger(t))

	p := cleanPlan()
	step := policyStep("one-way", engine.KindPackageInstall, `{"packages":["nginx"]}`)
	step.Rollback = &engine.RollbackSpec{Disabled: true}
	p.Steps = append(p.Steps, step)

	result, err := e.Evaluate(context.Background(), p)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Allowed {
		t.Errorf("a warning must not reject the plan, violations: %+v", result.Violations)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %+v", result.Warnings)
	}
	if result.Warnings[0].Policy != "rollback-coverage" || result.Warnings[0].StepID != "one-way" {
		t.Errorf("warning = %+v", result.Warnings[0])
	}
}

func TestEvaluateContinuePlanSkipsRollbackWarning(t *testing.T) {
	e := NewEngine(policyLogger(t))

	p := cleanPlan()
	p.OnFailure = engine.PolicyContinue
	step := policyStep("one-way", engine.KindPackageInstall, `{"packages":["nginx"]}`)
	step.Rollback = &engine.RollbackSpec{Disabled: true}
	p.Steps = append(p.Steps, step)

	result, err := e.Evaluate(context.Background(), p)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("continue plans never unwind, warnings: %+v", result.Warnings)
	}
}

func TestEvaluateWarnsOnServiceRestart(t *testing.T) {
	e := NewEngine(policyLogger(t))

	p := cleanPlan()
	p.Steps = append(p.Steps,
		policyStep("bounce-nginx", engine.KindServiceEnsure, `{"name":"nginx","state":"restarted"}`))

	result, err := e.Evaluate(context.Background(), p)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Allowed {
		t.Errorf("a warning must not reject the plan, violations: %+v", result.Violations)
	}

	found := false
	for _, w := range result.Warnings {
		if w.Policy == "restart-coverage" && w.StepID == "bounce-nginx" {
			found = true
		}
	}
	if !found {
		t.Errorf("a restart re-applies on every run and should warn, got %+v", result.Warnings)
	}
}

func TestLoadPathsCustomPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no-yum.rego")
	source := `package custom.noyum

import rego.v1

deny contains violation if {
	some step in input.plan.steps
	step.kind == "pkg.install"
	step.params.manager == "yum"
	violation := sprintf("step %q uses yum; this fleet is apt-only", [step.id])
}
`
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	e := NewEngine(policyLogger(t))
	if err := e.LoadPaths([]string{path}); err != nil {
		t.Fatalf("load paths: %v", err)
	}

	p := cleanPlan()
	p.Steps = append(p.Steps,
		policyStep("legacy-install", engine.KindPackageInstall, `{"packages":["httpd"],"manager":"yum"}`))

	result, err := e.Evaluate(context.Background(), p)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Allowed {
		t.Fatal("custom policy violation must reject the plan")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "no-yum" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected no-yum violation, got %+v", result.Violations)
	}
}

func TestLoadPathsMissingFile(t *testing.T) {
	e := NewEngine(policyLogger(t))
	if err := e.LoadPaths([]string{"/nonexistent/policy.rego"}); err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestListPolicies(t *testing.T) {
	e := NewEngine(policyLogger(t))

	policies := e.ListPolicies()
	if len(policies) != len(BuiltinPolicies()) {
		t.Fatalf("expected %d builtin policies, got %d", len(BuiltinPolicies()), len(policies))
	}
	for _, p := range policies {
		if !p.Enabled {
			t.Errorf("builtin policy %s should be enabled", p.Name)
		}
	}
}
