package gate

import (
	"path/filepath"
	"strings"
)

// CommandTemplate defines an allowed command template. An argument of
// "{any}" matches any single value that is not an absolute path or a
// traversal.
type CommandTemplate struct {
	Exec string   `yaml:"exec" mapstructure:"exec"`
	Args []string `yaml:"args" mapstructure:"args"`
}

// CommandPolicy restricts which commands a CommandValidator may run.
type CommandPolicy struct {
	Templates []CommandTemplate
}

var builtinTemplates = map[string][]CommandTemplate{
	"python_check": {
		{Exec: "python3", Args: []string{"{any}"}},
	},
	"shell_check": {
		{Exec: "sh", Args: []string{"{any}"}},
	},
	"jq_check": {
		{Exec: "jq", Args: []string{"-e", "{any}"}},
	},
}

// TemplatesForCapability returns the built-in templates for a capability name.
func TemplatesForCapability(name string) ([]CommandTemplate, bool) {
	templates, ok := builtinTemplates[name]
	return templates, ok
}

// NewCommandPolicy builds a policy from built-in capability names plus
// explicit templates. Unknown capability names are reported.
func NewCommandPolicy(capabilities []string, extra []CommandTemplate) (*CommandPolicy, []string) {
	p := &CommandPolicy{}
	var unknown []string
	for _, name := range capabilities {
		templates, ok := TemplatesForCapability(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		p.Templates = append(p.Templates, templates...)
	}
	p.Templates = append(p.Templates, extra...)
	return p, unknown
}

// Allows reports whether command matches one of the policy templates. An
// empty policy allows nothing.
func (p *CommandPolicy) Allows(command []string) (bool, string) {
	if p == nil {
		return true, ""
	}
	if len(p.Templates) == 0 {
		return false, "no command templates configured"
	}
	return matchTemplates(command, p.Templates)
}

func matchTemplates(command []string, templates []CommandTemplate) (bool, string) {
	var lastReason string
	for _, tmpl := range templates {
		if tmpl.Exec == "" {
			continue
		}
		if len(command) == 0 || command[0] != tmpl.Exec {
			continue
		}
		if len(command)-1 != len(tmpl.Args) {
			continue
		}
		matched := true
		for i, arg := range tmpl.Args {
			value := command[i+1]
			if arg == "{any}" {
				if ok, reason := isSafeArg(value); !ok {
					matched = false
					lastReason = reason
					break
				}
				continue
			}
			if value != arg {
				matched = false
				break
			}
		}
		if matched {
			return true, ""
		}
	}
	if lastReason != "" {
		return false, lastReason
	}
	return false, "command does not match any allowed template"
}

func isSafeArg(arg string) (bool, string) {
	if filepath.IsAbs(arg) {
		return false, "absolute paths are not allowed"
	}
	for _, seg := range strings.Split(filepath.Clean(arg), string(filepath.Separator)) {
		if seg == ".." {
			return false, "path traversal detected"
		}
	}
	return true, ""
}
