package config

// RootConfig is the engine's root configuration, read from
// autoschematic.yaml at the repository root. It is re-read on each
// invocation and immutable for the lifetime of a reconciliation run.
type RootConfig struct {
	// Prefixes maps prefix names to their configuration. Each prefix is a
	// namespace rooted at a repository subdirectory of the same name.
	Prefixes map[string]PrefixConfig `yaml:"prefixes" validate:"required,min=1,dive"`
}

// PrefixConfig configures one prefix: the ordered connector definitions that
// own slices of its address space, plus any long-running task definitions.
type PrefixConfig struct {
	// Connectors are tried in order during filter classification; the
	// first one not answering "none" owns the address.
	Connectors []ConnectorDef `yaml:"connectors" validate:"required,min=1,dive"`

	// Tasks defines the long-running agents spawnable under this prefix.
	Tasks []TaskDef `yaml:"tasks,omitempty" validate:"dive"`
}

// ConnectorDef describes one connector binary and its account-scope
// configuration within a prefix.
type ConnectorDef struct {
	// Name is unique within the prefix and forms half of the handle key.
	Name string `yaml:"name" validate:"required"`

	// Binary is the connector executable, absolute or repo-relative.
	Binary string `yaml:"binary" validate:"required"`

	// Env is passed to the spawned process on top of a cleared environment.
	Env map[string]string `yaml:"env,omitempty"`

	// Network declares that the connector needs network access; without
	// it the sandbox detaches the network namespace.
	Network bool `yaml:"network,omitempty"`

	// IdempotentOps documents that this connector's ops are safe to retry.
	// The engine never retries either way; the flag is carried into run
	// reports so callers can decide.
	IdempotentOps bool `yaml:"idempotent_ops,omitempty"`
}

// TaskDef describes one spawnable task executable within a prefix.
type TaskDef struct {
	// Name is unique within the prefix and forms half of the task key.
	Name string `yaml:"name" validate:"required"`

	// Binary is the task executable, absolute or repo-relative.
	Binary string `yaml:"binary" validate:"required"`

	// Env is passed to the spawned process.
	Env map[string]string `yaml:"env,omitempty"`

	// Network declares that the task needs network access.
	Network bool `yaml:"network,omitempty"`
}

// Connector returns the connector definition with the given name, or nil.
func (p *PrefixConfig) Connector(name string) *ConnectorDef {
	for i := range p.Connectors {
		if p.Connectors[i].Name == name {
			return &p.Connectors[i]
		}
	}
	return nil
}

// Task returns the task definition with the given name, or nil.
func (p *PrefixConfig) Task(name string) *TaskDef {
	for i := range p.Tasks {
		if p.Tasks[i].Name == name {
			return &p.Tasks[i]
		}
	}
	return nil
}
