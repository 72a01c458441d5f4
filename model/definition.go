package model

// CatalogDefinition is the root structure of a catalog file. Each file
// declares reusable stage templates and the workflow definitions that
// reference them.
type CatalogDefinition struct {
	Catalog   string               `yaml:"catalog"   json:"catalog"`
	Version   string               `yaml:"version"   json:"version"`
	Stages    []StageTemplate      `yaml:"stages"    json:"stages,omitempty"`
	Workflows []WorkflowDefinition `yaml:"workflows" json:"workflows,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// StageTemplate is a reusable, parameterised step definition. Title and
// Content may contain {{dotted.path}} placeholders.
type StageTemplate struct {
	ID      string         `yaml:"id"      json:"id"`
	Title   string         `yaml:"title"   json:"title"`
	Content string         `yaml:"content" json:"content"`
	Config  map[string]any `yaml:"config"  json:"config,omitempty"`
}

// StageReference points a workflow at a stage template and carries the
// per-workflow config overrides.
type StageReference struct {
	StageID string         `yaml:"stage"  json:"stage_id"`
	Config  map[string]any `yaml:"config" json:"config,omitempty"`
}

// WorkflowDefinition is a named, ordered list of stage references.
type WorkflowDefinition struct {
	ID          string           `yaml:"id"          json:"id"`
	Name        string           `yaml:"name"        json:"name"`
	Description string           `yaml:"description" json:"description,omitempty"`
	Stages      []StageReference `yaml:"stages"      json:"stages"`
}
