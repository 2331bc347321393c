package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hostforge/hostforge/pkg/engine"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads, parses and validates a plan file, returning the engine
// model ready for execution.
func Load(path string) (*engine.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewInvalidStepSpec(fmt.Sprintf("cannot read plan file: %v", err), err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return doc.ToEngine()
}

// Parse decodes a YAML plan document. Unknown fields are rejected so a
// typo in a step never silently changes its meaning.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, engine.NewInvalidStepSpec(fmt.Sprintf("plan is not valid YAML: %v", err), err)
	}
	return &doc, nil
}

// Marshal serializes the document back to YAML. A parsed plan
// round-trips through Marshal and Parse without loss.
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("cannot serialize plan: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks the document structure and every step's kind-specific
// parameter block.
func (d *Document) Validate() error {
	if err := validate.Struct(d); err != nil {
		return engine.NewInvalidStepSpec(formatValidationError(err), err)
	}

	if d.DefaultTimeout != "" {
		if _, err := time.ParseDuration(d.DefaultTimeout); err != nil {
			return engine.NewInvalidStepSpec(
				fmt.Sprintf("invalid default_timeout %q", d.DefaultTimeout), err)
		}
	}

	for i := range d.Steps {
		step := &d.Steps[i]

		kind := engine.StepKind(step.Kind)
		if err := kind.Validate(); err != nil {
			return engine.NewInvalidStepSpec(err.Error(), err).WithStep(step.ID)
		}

		if step.Timeout != "" {
			if _, err := time.ParseDuration(step.Timeout); err != nil {
				return engine.NewInvalidStepSpec(
					fmt.Sprintf("invalid timeout %q", step.Timeout), err).WithStep(step.ID)
			}
		}

		raw, err := paramsJSON(step.Params)
		if err != nil {
			return engine.NewInvalidStepSpec("params are not encodable", err).WithStep(step.ID)
		}
		if _, err := DecodeParams(kind, raw); err != nil {
			return engine.NewInvalidStepSpec(err.Error(), err).WithStep(step.ID)
		}
	}

	return nil
}

// ToEngine validates the document and converts it to the engine's plan
// model. Step parameters are carried as opaque JSON; the executor decodes
// them per kind.
func (d *Document) ToEngine() (*engine.Plan, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	var defaultTimeout time.Duration
	if d.DefaultTimeout != "" {
		defaultTimeout, _ = time.ParseDuration(d.DefaultTimeout)
	}

	steps := make([]engine.StepSpec, len(d.Steps))
	for i := range d.Steps {
		sd := &d.Steps[i]

		params, err := paramsJSON(sd.Params)
		if err != nil {
			return nil, engine.NewInvalidStepSpec("params are not encodable", err).WithStep(sd.ID)
		}

		var timeout time.Duration
		if sd.Timeout != "" {
			timeout, _ = time.ParseDuration(sd.Timeout)
		}

		var rollback *engine.RollbackSpec
		if sd.Rollback != nil {
			rbParams, err := paramsJSON(sd.Rollback.Params)
			if err != nil {
				return nil, engine.NewInvalidStepSpec("rollback params are not encodable", err).WithStep(sd.ID)
			}
			rollback = &engine.RollbackSpec{
				Disabled: sd.Rollback.Disabled,
				Params:   rbParams,
			}
		}

		steps[i] = engine.StepSpec{
			ID:        sd.ID,
			Kind:      engine.StepKind(sd.Kind),
			Params:    params,
			DependsOn: sd.DependsOn,
			Rollback:  rollback,
			OnFailure: engine.FailurePolicy(sd.OnFailure),
			Timeout:   timeout,
		}
	}

	return &engine.Plan{
		Name:           d.Name,
		Steps:          steps,
		OnFailure:      engine.FailurePolicy(d.OnFailure),
		Vars:           d.Vars,
		DefaultTimeout: defaultTimeout,
	}, nil
}

// DecodeParams decodes and validates a step's parameter block into its
// kind-specific struct. Unknown parameter fields are rejected.
func DecodeParams(kind engine.StepKind, raw json.RawMessage) (interface{}, error) {
	var params interface{}
	switch kind {
	case engine.KindPackageInstall:
		params = &PackageInstallParams{}
	case engine.KindFileWrite:
		params = &FileWriteParams{}
	case engine.KindFirewallRule:
		params = &FirewallRuleParams{}
	case engine.KindServiceEnsure:
		params = &ServiceEnsureParams{}
	case engine.KindComposeApply:
		params = &ComposeApplyParams{}
	case engine.KindCertIssue:
		params = &CertIssueParams{}
	default:
		return nil, fmt.Errorf("unknown step kind %q", kind)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(params); err != nil {
		return nil, fmt.Errorf("invalid %s params: %w", kind, err)
	}

	if err := validate.Struct(params); err != nil {
		return nil, fmt.Errorf("invalid %s params: %s", kind, formatValidationError(err))
	}

	if fw, ok := params.(*FileWriteParams); ok {
		if (fw.Content == "") == (fw.Template == "") {
			return nil, fmt.Errorf("file.write requires exactly one of content or template")
		}
	}

	return params, nil
}

// formatValidationError flattens validator errors into a single readable
// message.
func formatValidationError(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	var buf bytes.Buffer
	for i, fe := range verrs {
		if i > 0 {
			buf.WriteString("; ")
		}
		fmt.Fprintf(&buf, "field %s failed %q validation", fe.Namespace(), fe.Tag())
	}
	return buf.String()
}
