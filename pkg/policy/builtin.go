package policy

// BuiltinPolicies returns the policies every engine ships with.
func BuiltinPolicies() []Policy {
	return []Policy{
		stepNamingPolicy(),
		sshLockoutPolicy(),
		rollbackCoveragePolicy(),
		restartCoveragePolicy(),
	}
}

// stepNamingPolicy enforces step ID conventions.
func stepNamingPolicy() Policy {
	return Policy{
		Name:        "step-naming",
		Description: "Step IDs must be lowercase alphanumeric with hyphens or underscores",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package hostforge.policies.naming

import rego.v1

deny contains violation if {
	some step in input.plan.steps
	not regex.match("^[a-z0-9][a-z0-9_-]*$", step.id)
	violation := {
		"message": sprintf("step id %q must be lowercase alphanumeric with hyphens or underscores", [step.id]),
		"severity": "error",
		"step": step.id,
	}
}
`,
	}
}

// sshLockoutPolicy blocks steps that would cut off remote access to the
// host being provisioned.
func sshLockoutPolicy() Policy {
	return Policy{
		Name:        "ssh-lockout",
		Description: "Blocks steps that stop sshd or firewall port 22",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package hostforge.policies.ssh

import rego.v1

ssh_units := {"ssh", "sshd", "ssh.service", "sshd.service"}

deny contains violation if {
	some step in input.plan.steps
	step.kind == "service.ensure"
	step.params.name in ssh_units
	step.params.state == "stopped"
	violation := {
		"message": sprintf("step %q stops the SSH daemon and would lock out remote access", [step.id]),
		"severity": "error",
		"step": step.id,
	}
}

deny contains violation if {
	some step in input.plan.steps
	step.kind == "service.ensure"
	step.params.name in ssh_units
	step.params.enabled == false
	violation := {
		"message": sprintf("step %q disables the SSH daemon at boot", [step.id]),
		"severity": "error",
		"step": step.id,
	}
}

deny contains violation if {
	some step in input.plan.steps
	step.kind == "firewall.rule"
	step.params.action == "deny"
	step.params.port == 22
	violation := {
		"message": sprintf("step %q firewalls port 22 and would lock out remote access", [step.id]),
		"severity": "error",
		"step": step.id,
	}
}
`,
	}
}

// rollbackCoveragePolicy warns when an abort-policy plan carries steps
// that opted out of rollback: an unwind will leave them in place.
func rollbackCoveragePolicy() Policy {
	return Policy{
		Name:        "rollback-coverage",
		Description: "Warns about rollback-disabled steps in abort-policy plans",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"rollback"},
		Rego: `package hostforge.policies.rollback

import rego.v1

deny contains violation if {
	input.plan.on_failure != "continue"
	some step in input.plan.steps
	step.rollback.disabled == true
	violation := {
		"message": sprintf("step %q has rollback disabled; an aborted run will leave it applied", [step.id]),
		"severity": "warning",
		"step": step.id,
	}
}
`,
	}
}

// restartCoveragePolicy warns about service restarts: a restart is an
// action rather than a state, so the step re-applies on every run and
// the plan is not safely re-runnable.
func restartCoveragePolicy() Policy {
	return Policy{
		Name:        "restart-coverage",
		Description: "Warns about service restarts, which re-apply on every run",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"idempotence"},
		Rego: `package hostforge.policies.restart

import rego.v1

deny contains violation if {
	some step in input.plan.steps
	step.kind == "service.ensure"
	step.params.state == "restarted"
	violation := {
		"message": sprintf("step %q restarts a service and will re-apply on every run", [step.id]),
		"severity": "warning",
		"step": step.id,
	}
}
`,
	}
}
