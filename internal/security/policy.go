// Package security validates job documents before execution and gates
// which commands the device is willing to run.
package security

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fleetward/deviceops/internal/model"
)

const (
	documentVersion   = "1.0"
	actionRunCommand  = "runCommand"
	maxCommandLength  = 4096
	minTimeoutSeconds = 1
	maxTimeoutSeconds = 86400
)

var (
	ErrInvalidDocument = errors.New("invalid job document")
	ErrDenied          = errors.New("security policy violation")
)

// ValidateDocument checks the structural rules every document must
// satisfy regardless of policy configuration.
func ValidateDocument(doc *model.JobDocument) error {
	if doc == nil {
		return fmt.Errorf("%w: missing document", ErrInvalidDocument)
	}
	if doc.Version != documentVersion {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidDocument, doc.Version)
	}
	if len(doc.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidDocument)
	}
	for _, step := range doc.Steps {
		if err := validateStep(step); err != nil {
			return err
		}
	}
	if doc.FinalStep != nil {
		return validateStep(*doc.FinalStep)
	}
	return nil
}

func validateStep(step model.JobStep) error {
	action := step.Action
	if action.Type != actionRunCommand {
		return fmt.Errorf("%w: step %q has unsupported action type %q", ErrInvalidDocument, action.Name, action.Type)
	}
	command := action.Input.Command
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: step %q has an empty command", ErrInvalidDocument, action.Name)
	}
	if len(command) > maxCommandLength {
		return fmt.Errorf("%w: step %q command exceeds %d characters", ErrInvalidDocument, action.Name, maxCommandLength)
	}
	if t := action.Input.Timeout; t != nil && (*t < minTimeoutSeconds || *t > maxTimeoutSeconds) {
		return fmt.Errorf("%w: step %q timeout %d out of range [%d, %d]",
			ErrInvalidDocument, action.Name, *t, minTimeoutSeconds, maxTimeoutSeconds)
	}
	return nil
}

// encoded traversal and separator sequences, matched case insensitively
var encodedSequences = []string{"%2e%2e", "%2f", "%5c"}

// Policy is the opt-in command gate. Both lists are optional: an empty
// command allowlist permits any program, an empty path allowlist any
// location. A Policy is a pure function of its configuration.
type Policy struct {
	commands map[string]struct{}
	paths    []string
}

func NewPolicy(cfg model.Security) *Policy {
	p := &Policy{}
	if len(cfg.CommandAllowlist) > 0 {
		p.commands = make(map[string]struct{}, len(cfg.CommandAllowlist))
		for _, c := range cfg.CommandAllowlist {
			p.commands[c] = struct{}{}
		}
	}
	for _, dir := range cfg.PathAllowlist {
		p.paths = append(p.paths, strings.TrimRight(dir, "/"))
	}
	return p
}

// Validate rejects commands that try to escape their nominal location
// or fall outside the configured allowlists.
func (p *Policy) Validate(cmd model.Command) error {
	path := cmd.Path
	if strings.Contains(path, "..") {
		return fmt.Errorf("%w: path traversal in %q", ErrDenied, path)
	}
	if strings.Contains(path, "~") {
		return fmt.Errorf("%w: home expansion in %q", ErrDenied, path)
	}
	lower := strings.ToLower(path)
	for _, seq := range encodedSequences {
		if strings.Contains(lower, seq) {
			return fmt.Errorf("%w: encoded sequence %q in %q", ErrDenied, seq, path)
		}
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %q is not an absolute path", ErrDenied, path)
	}

	if p.commands != nil {
		if _, ok := p.commands[path]; !ok {
			return fmt.Errorf("%w: command %q not in allowlist", ErrDenied, path)
		}
	}
	if len(p.paths) > 0 && !p.allowedPath(path) {
		return fmt.Errorf("%w: %q outside allowed paths", ErrDenied, path)
	}
	return nil
}

func (p *Policy) allowedPath(path string) bool {
	for _, dir := range p.paths {
		if path == dir || strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	return false
}
