package model

import (
	"io"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Enum helpers (optional).
const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version    int        `json:"version"` // fixed 0 for now
	Connection Connection `json:"connection"`
	Security   Security   `json:"security"`
	Execution  Execution  `json:"execution"`
	Service    Service    `json:"service"`
}

// Connection holds the broker endpoint and device identity.
type Connection struct {
	Broker    string `json:"broker"`
	ThingName string `json:"thingName"`
	ClientID  string `json:"clientID,omitempty"`
	CAFile    string `json:"caFile,omitempty"`
	CertFile  string `json:"certFile,omitempty"`
	KeyFile   string `json:"keyFile,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	KeepAlive int    `json:"keepAlive"` // seconds
}

// Security gates which commands job documents may run.
type Security struct {
	Enabled          bool     `json:"enabled"`
	CommandAllowlist []string `json:"commandAllowlist,omitempty"`
	PathAllowlist    []string `json:"pathAllowlist,omitempty"`
}

// Execution tunes how steps are run.
type Execution struct {
	DefaultTimeout           int  `json:"defaultTimeout"` // seconds
	RequireVerifiedElevation bool `json:"requireVerifiedElevation"`
}

type Service struct {
	Verbose      bool   `json:"verbose"`
	Log          string `json:"log"` // "stderr"|"stdout"|"discard"
	PollSchedule string `json:"pollSchedule,omitempty"`
}

// LoadConfig validates YAML from r against the CUE schema and decodes
// it. Secrets may reference environment variables: the password field
// is expanded with os.ExpandEnv after validation.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	out.Connection.Password = os.ExpandEnv(out.Connection.Password)

	return &out, nil
}
