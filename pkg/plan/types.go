package plan

import (
	"encoding/json"
)

// Document is the YAML plan document as written by an operator. It is
// validated and converted to an engine.Plan before execution.
type Document struct {
	// Name identifies the plan in logs and run history.
	Name string `yaml:"name" json:"name" validate:"required"`

	// OnFailure is the plan-wide failure policy (abort, continue).
	OnFailure string `yaml:"on_failure,omitempty" json:"on_failure,omitempty" validate:"omitempty,oneof=abort continue"`

	// DefaultTimeout bounds every probe and apply that has no step-level
	// timeout, as a Go duration string (e.g. "5m").
	DefaultTimeout string `yaml:"default_timeout,omitempty" json:"default_timeout,omitempty"`

	// Vars are plan-level variables available to templated parameters.
	Vars map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`

	// Steps are the units of work, in document order.
	Steps []StepDocument `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// StepDocument is a single step as written in the plan file.
type StepDocument struct {
	// ID is the unique identifier for this step (e.g., "install_nginx").
	ID string `yaml:"id" json:"id" validate:"required"`

	// Kind is the step kind (e.g., "pkg.install", "service.ensure").
	Kind string `yaml:"kind" json:"kind" validate:"required"`

	// Params is the kind-specific parameter block.
	Params map[string]interface{} `yaml:"params" json:"params" validate:"required"`

	// DependsOn lists step IDs that must succeed before this step runs.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// OnFailure overrides the plan-wide failure policy for this step.
	OnFailure string `yaml:"on_failure,omitempty" json:"on_failure,omitempty" validate:"omitempty,oneof=abort continue"`

	// Timeout bounds this step's probe and apply, as a duration string.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Rollback configures the inverse operation for this step.
	Rollback *RollbackDocument `yaml:"rollback,omitempty" json:"rollback,omitempty"`
}

// RollbackDocument configures rollback behavior for a step.
type RollbackDocument struct {
	// Disabled opts the step out of rollback; an unwound run leaves it
	// as-is and records the gap.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	// Params overrides the parameters passed to the inverse operation.
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
}

// PackageInstallParams configures a pkg.install step.
type PackageInstallParams struct {
	// Packages lists the package names to install.
	Packages []string `json:"packages" validate:"required,min=1,dive,required"`

	// Manager pins the package manager instead of auto-detecting it.
	Manager string `json:"manager,omitempty" validate:"omitempty,oneof=apt dnf yum zypper"`
}

// FileWriteParams configures a file.write step.
type FileWriteParams struct {
	// Path is the absolute destination path.
	Path string `json:"path" validate:"required"`

	// Content is the literal file content. Exactly one of Content and
	// Template must be set.
	Content string `json:"content,omitempty"`

	// Template is file content rendered with the plan vars.
	Template string `json:"template,omitempty"`

	// Mode is the octal file mode (e.g., "0644").
	Mode string `json:"mode,omitempty" validate:"omitempty,startswith=0"`

	// Owner is the owning user name.
	Owner string `json:"owner,omitempty"`

	// Group is the owning group name.
	Group string `json:"group,omitempty"`
}

// FirewallRuleParams configures a firewall.rule step.
type FirewallRuleParams struct {
	// Port is the port to open or close.
	Port int `json:"port" validate:"required,min=1,max=65535"`

	// Proto is the transport protocol.
	Proto string `json:"proto" validate:"required,oneof=tcp udp"`

	// Action is the rule action; defaults to allow.
	Action string `json:"action,omitempty" validate:"omitempty,oneof=allow deny"`
}

// ServiceEnsureParams configures a service.ensure step.
type ServiceEnsureParams struct {
	// Name is the systemd unit name.
	Name string `json:"name" validate:"required"`

	// State is the desired run state.
	State string `json:"state" validate:"required,oneof=started stopped restarted"`

	// Enabled controls whether the unit is enabled at boot. Nil leaves
	// the enablement untouched.
	Enabled *bool `json:"enabled,omitempty"`
}

// ComposeApplyParams configures a compose.apply step.
type ComposeApplyParams struct {
	// Path is the compose file or project directory.
	Path string `json:"path" validate:"required"`

	// ProjectName overrides the compose project name.
	ProjectName string `json:"project_name,omitempty"`

	// EnvFile is an optional env file passed to compose.
	EnvFile string `json:"env_file,omitempty"`

	// Pull updates images before bringing the project up.
	Pull bool `json:"pull,omitempty"`
}

// CertIssueParams configures a cert.issue step.
type CertIssueParams struct {
	// Domains lists the domains on the certificate.
	Domains []string `json:"domains" validate:"required,min=1,dive,fqdn"`

	// Email is the registration contact.
	Email string `json:"email" validate:"required,email"`

	// Webroot is the webroot path for http-01 challenges. Empty means
	// standalone mode.
	Webroot string `json:"webroot,omitempty"`

	// Staging issues against the staging environment.
	Staging bool `json:"staging,omitempty"`
}

// paramsJSON re-encodes a YAML params block as canonical JSON for the
// engine's opaque Params field.
func paramsJSON(params map[string]interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
