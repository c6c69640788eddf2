// Package config loads the server catalog (a JSONC document enumerating MCP
// servers under a top-level "mcpServers" object) and resolves the bridge's
// environment-variable-driven settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode is how an MCP server's subprocess is managed across requests.
type Mode string

const (
	ModeEphemeral Mode = "ephemeral"
	ModeStateful  Mode = "stateful"
)

// Runtime selects how a server's subprocess is launched.
type Runtime string

const (
	RuntimeProcess   Runtime = "process"
	RuntimeContainer Runtime = "container"
)

// ServerSpec is the resolved, defaulted configuration for one named MCP
// server in the catalog.
type ServerSpec struct {
	Name                string
	Command             string
	Args                []string
	Env                 map[string]string
	Mode                Mode
	Runtime             Runtime
	IdleTimeout         time.Duration
	MaxProcessesPerChat int
	SessionPersistence  bool
	FilePathFields      []string
	ResolvePathFields   []string
	UsageGuide          string
	WorkdirEnvTemplate  string
	ContainerImage      string
	ContainerWorkdir    string
}

// rawServerSpec mirrors the JSON shape of one entry under "mcpServers".
type rawServerSpec struct {
	Command             string            `json:"command"`
	Args                []string          `json:"args"`
	Env                 map[string]string `json:"env"`
	Mode                string            `json:"mode"`
	Runtime             string            `json:"runtime"`
	IdleTimeout         *int              `json:"idle_timeout"`
	MaxProcessesPerChat *int              `json:"max_processes_per_chat"`
	SessionPersistence  *bool             `json:"session_persistence"`
	FilePathFields      []string          `json:"file_path_fields"`
	ResolvePathFields   []string          `json:"resolve_path_fields"`
	UsageGuide          string            `json:"usage_guide"`
	WorkdirEnvTemplate  string            `json:"workdir_env_template"`
	ContainerImage      string            `json:"container_image"`
	ContainerWorkdir    string            `json:"container_workdir"`
}

type rawCatalog struct {
	MCPServers map[string]rawServerSpec `json:"mcpServers"`
}

// Catalog is the set of named server specs plus the settings shared by all
// of them.
type Catalog struct {
	Servers  map[string]*ServerSpec
	Settings Settings
}

// Settings holds the environment-variable-driven process settings shared
// across every server in the catalog.
type Settings struct {
	BaseURL                     string
	ConfigFile                  string
	JobsDir                     string
	MaxConcurrent               int
	Timeout                     time.Duration
	LogLevel                    string
	StatefulEnabled             bool
	StatefulDefaultIdleTimeout  time.Duration
	StatefulMaxProcessesPerChat int
	StatefulMaxTotalProcesses   int
	StatefulCleanupInterval     time.Duration
	WorkspaceFileTTL            time.Duration
	GCSchedule                  string
	DataDir                     string
}

// DefaultSettings establishes the defaults before any environment override
// is applied: defaults first, explicit overrides last.
func DefaultSettings() Settings {
	return Settings{
		BaseURL:                     "http://localhost:8080",
		ConfigFile:                  "./config/mcp-servers.jsonc",
		JobsDir:                     "./jobs",
		MaxConcurrent:               16,
		Timeout:                     60 * time.Second,
		LogLevel:                    "info",
		StatefulEnabled:             true,
		StatefulDefaultIdleTimeout:  10 * time.Minute,
		StatefulMaxProcessesPerChat: 1,
		StatefulMaxTotalProcesses:   64,
		StatefulCleanupInterval:     1 * time.Minute,
		WorkspaceFileTTL:            1 * time.Hour,
		GCSchedule:                  "*/1 * * * *",
		DataDir:                     "./data",
	}
}

// LoadSettings reads Settings from the environment, falling back to
// DefaultSettings for anything unset or unparsable.
func LoadSettings() Settings {
	s := DefaultSettings()
	if v := os.Getenv("BASE_URL"); v != "" {
		s.BaseURL = v
	}
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		s.ConfigFile = v
	}
	if v := os.Getenv("JOBS_DIR"); v != "" {
		s.JobsDir = v
	}
	if v, ok := envInt("MAX_CONCURRENT"); ok {
		s.MaxConcurrent = v
	}
	if v, ok := envInt("TIMEOUT"); ok {
		s.Timeout = time.Duration(v) * time.Second
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v, ok := envBool("STATEFUL_ENABLED"); ok {
		s.StatefulEnabled = v
	}
	if v, ok := envInt("STATEFUL_DEFAULT_IDLE_TIMEOUT"); ok {
		s.StatefulDefaultIdleTimeout = time.Duration(v) * time.Second
	}
	if v, ok := envInt("STATEFUL_MAX_PROCESSES_PER_CHAT"); ok {
		s.StatefulMaxProcessesPerChat = v
	}
	if v, ok := envInt("STATEFUL_MAX_TOTAL_PROCESSES"); ok {
		s.StatefulMaxTotalProcesses = v
	}
	if v, ok := envInt("STATEFUL_CLEANUP_INTERVAL"); ok {
		s.StatefulCleanupInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("WORKSPACE_FILE_TTL"); ok {
		s.WorkspaceFileTTL = time.Duration(v) * time.Second
	}
	if v := os.Getenv("GC_SCHEDULE"); v != "" {
		s.GCSchedule = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		s.DataDir = v
	}
	return s
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// LoadCatalog reads and parses the JSONC server catalog at path, applying
// per-server defaults from settings.
func LoadCatalog(path string, settings Settings) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	stripped := StripJSONComments(data)

	var raw rawCatalog
	if err := json.Unmarshal(stripped, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	servers := make(map[string]*ServerSpec, len(raw.MCPServers))
	for name, r := range raw.MCPServers {
		if r.Command == "" {
			return nil, fmt.Errorf("server %q: command is required", name)
		}
		spec := &ServerSpec{
			Name:               name,
			Command:            r.Command,
			Args:               r.Args,
			Env:                r.Env,
			Mode:               ModeEphemeral,
			Runtime:            RuntimeProcess,
			FilePathFields:     r.FilePathFields,
			ResolvePathFields:  r.ResolvePathFields,
			UsageGuide:         r.UsageGuide,
			WorkdirEnvTemplate: r.WorkdirEnvTemplate,
			ContainerImage:     r.ContainerImage,
			ContainerWorkdir:   r.ContainerWorkdir,
		}
		if spec.ContainerWorkdir == "" {
			spec.ContainerWorkdir = "/workspace"
		}
		if r.Mode == string(ModeStateful) {
			spec.Mode = ModeStateful
		}
		if r.Runtime == string(RuntimeContainer) {
			spec.Runtime = RuntimeContainer
		}

		spec.IdleTimeout = settings.StatefulDefaultIdleTimeout
		if r.IdleTimeout != nil {
			spec.IdleTimeout = time.Duration(*r.IdleTimeout) * time.Second
		}

		spec.MaxProcessesPerChat = settings.StatefulMaxProcessesPerChat
		if r.MaxProcessesPerChat != nil {
			spec.MaxProcessesPerChat = *r.MaxProcessesPerChat
		}
		if spec.MaxProcessesPerChat <= 0 {
			spec.MaxProcessesPerChat = 1
		}

		spec.SessionPersistence = spec.Mode == ModeStateful
		if r.SessionPersistence != nil {
			spec.SessionPersistence = *r.SessionPersistence
		}

		servers[name] = spec
	}

	return &Catalog{Servers: servers, Settings: settings}, nil
}

// Lookup returns the named server spec, or nil if the catalog has no such
// server.
func (c *Catalog) Lookup(name string) *ServerSpec {
	return c.Servers[name]
}

// ResolveArgs substitutes the {WORKDIR} token in args with workdir.
func (s *ServerSpec) ResolveArgs(workdir string) []string {
	if len(s.Args) == 0 {
		return s.Args
	}
	out := make([]string, len(s.Args))
	for i, a := range s.Args {
		out[i] = strings.ReplaceAll(a, "{WORKDIR}", workdir)
	}
	return out
}

// ResolveEnv substitutes the {WORKDIR} token in every env value, and, if
// WorkdirEnvTemplate names an env var, also ensures that var is set to
// workdir even if it wasn't already present in the catalog entry.
func (s *ServerSpec) ResolveEnv(workdir string) map[string]string {
	out := make(map[string]string, len(s.Env)+1)
	for k, v := range s.Env {
		out[k] = strings.ReplaceAll(v, "{WORKDIR}", workdir)
	}
	if s.WorkdirEnvTemplate != "" {
		out[s.WorkdirEnvTemplate] = workdir
	}
	return out
}
