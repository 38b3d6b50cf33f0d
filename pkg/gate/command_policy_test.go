package gate

import "testing"

func TestCapabilityTemplates(t *testing.T) {
	templates, ok := TemplatesForCapability("python_check")
	if !ok {
		t.Fatalf("expected python_check capability")
	}

	okMatch, _ := matchTemplates([]string{"python3", "checks/grade.py"}, templates)
	if !okMatch {
		t.Fatalf("expected relative script to be allowed")
	}

	okMatch, _ = matchTemplates([]string{"python3", "-c", "import os"}, templates)
	if okMatch {
		t.Fatalf("expected extra args to be denied")
	}
}

func TestTemplateRejectsBadPaths(t *testing.T) {
	templates, _ := TemplatesForCapability("shell_check")

	okMatch, reason := matchTemplates([]string{"sh", "/etc/passwd"}, templates)
	if okMatch || reason == "" {
		t.Fatalf("expected absolute path to be denied")
	}

	okMatch, _ = matchTemplates([]string{"sh", "../secrets.sh"}, templates)
	if okMatch {
		t.Fatalf("expected traversal path to be denied")
	}
}

func TestPolicyReportsUnknownCapabilities(t *testing.T) {
	p, unknown := NewCommandPolicy([]string{"jq_check", "rm_everything"}, nil)
	if len(unknown) != 1 || unknown[0] != "rm_everything" {
		t.Fatalf("expected unknown capability to be reported, got %v", unknown)
	}
	if ok, _ := p.Allows([]string{"jq", "-e", ".answer"}); !ok {
		t.Fatalf("expected jq template to be allowed")
	}
	if ok, _ := (&CommandPolicy{}).Allows([]string{"jq"}); ok {
		t.Fatalf("empty policy must allow nothing")
	}
}
