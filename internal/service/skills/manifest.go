package skills

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ashita-ai/shugo/internal/model"
)

var skillNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

// compiledManifest holds a validated manifest's compiled schemas. A nil schema
// means the manifest declares none and anything is accepted.
type compiledManifest struct {
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// compileSchema compiles one JSON Schema document from a manifest field.
func compileSchema(name, field string, doc json.RawMessage) (*jsonschema.Schema, error) {
	if len(doc) == 0 || string(doc) == "null" {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://shugo.schemas.local/skills/%s/%s.schema.json", name, field)
	if err := c.AddResource(url, strings.NewReader(string(doc))); err != nil {
		return nil, &model.ValidationError{Field: "manifest." + field, Message: "is not a valid JSON Schema document: " + err.Error()}
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, &model.ValidationError{Field: "manifest." + field, Message: "does not compile: " + err.Error()}
	}
	return schema, nil
}

// validateAgainst checks a raw JSON document against schema.
func validateAgainst(schema *jsonschema.Schema, doc json.RawMessage) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if schema == nil {
		return nil
	}
	return schema.Validate(v)
}

// compileManifest validates m in place, filling the schema version, and
// returns its compiled schemas.
func compileManifest(m *model.SkillManifest) (*compiledManifest, error) {
	if m.SchemaVersion == 0 {
		m.SchemaVersion = model.SkillManifestSchemaVersion
	}
	if m.SchemaVersion > model.SkillManifestSchemaVersion {
		return nil, &model.ValidationError{
			Field:   "manifest.schema_version",
			Message: fmt.Sprintf("unsupported version %d (max %d)", m.SchemaVersion, model.SkillManifestSchemaVersion),
		}
	}
	if !skillNamePattern.MatchString(m.Name) {
		return nil, &model.ValidationError{
			Field:   "manifest.name",
			Message: "must be 1-128 lowercase letters, digits, dots, hyphens, or underscores",
		}
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return nil, &model.ValidationError{Field: "manifest.version", Message: fmt.Sprintf("%q is not a semantic version", m.Version)}
	}
	if strings.TrimSpace(m.Description) == "" {
		return nil, &model.ValidationError{Field: "manifest.description", Message: "is required"}
	}

	input, err := compileSchema(m.Name, "inputs", m.Inputs)
	if err != nil {
		return nil, err
	}
	output, err := compileSchema(m.Name, "outputs", m.Outputs)
	if err != nil {
		return nil, err
	}

	for i, p := range m.Permissions {
		if strings.TrimSpace(p) == "" {
			return nil, &model.ValidationError{Field: fmt.Sprintf("manifest.permissions[%d]", i), Message: "must not be empty"}
		}
	}

	seen := make(map[string]bool, len(m.Tests))
	for i, tc := range m.Tests {
		field := fmt.Sprintf("manifest.tests[%d]", i)
		if strings.TrimSpace(tc.Name) == "" {
			return nil, &model.ValidationError{Field: field + ".name", Message: "is required"}
		}
		if seen[tc.Name] {
			return nil, &model.ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate test %q", tc.Name)}
		}
		seen[tc.Name] = true
		if len(tc.Input) == 0 {
			return nil, &model.ValidationError{Field: field + ".input", Message: "is required"}
		}
		if err := validateAgainst(input, tc.Input); err != nil {
			return nil, &model.ValidationError{Field: field + ".input", Message: "does not match inputs schema: " + err.Error()}
		}
		if len(tc.Expect) > 0 && !json.Valid(tc.Expect) {
			return nil, &model.ValidationError{Field: field + ".expect", Message: "is not valid JSON"}
		}
	}

	for k, raw := range m.Extensions {
		if !json.Valid(raw) {
			return nil, &model.ValidationError{Field: "manifest.extensions." + k, Message: "is not valid JSON"}
		}
	}
	return &compiledManifest{input: input, output: output}, nil
}

// newestFirst sorts versions of one skill by descending semver. Stored
// versions are validated on publish, so parse failures sort last.
func newestFirst(a, b model.Skill) int {
	va, errA := semver.NewVersion(a.Version)
	vb, errB := semver.NewVersion(b.Version)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a.Version, b.Version)
	case errA != nil:
		return 1
	case errB != nil:
		return -1
	}
	return vb.Compare(va)
}
