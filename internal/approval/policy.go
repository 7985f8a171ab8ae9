package approval

import (
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
)

// Decision is the action a policy takes on a matching request.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionReject Decision = "reject"
)

// Policy auto-resolves future tool-permission requests matching a tool
// signature. An empty ToolTitle matches any title; empty ToolKind and
// ToolTitle together form a global rule.
type Policy struct {
	ID        string   `json:"id"`
	Decision  Decision `json:"decision"`
	ToolKind  string   `json:"toolKind,omitempty"`
	ToolTitle string   `json:"toolTitle,omitempty"`
}

// PolicyStore supplies the persisted policy set. Injected rather than
// read from ambient state so callers control load/save.
type PolicyStore interface {
	Policies() []Policy
}

// matchPolicy finds the most specific rule for a tool signature:
// exact toolKind+toolTitle first, then toolKind-only, then global.
func matchPolicy(policies []Policy, toolKind, toolTitle string) (Policy, bool) {
	var kindOnly, global *Policy
	for i := range policies {
		p := policies[i]
		switch {
		case p.ToolKind == toolKind && p.ToolTitle == toolTitle && toolKind != "" && toolTitle != "":
			return p, true
		case p.ToolKind == toolKind && p.ToolTitle == "" && toolKind != "":
			if kindOnly == nil {
				kindOnly = &p
			}
		case p.ToolKind == "" && p.ToolTitle == "":
			if global == nil {
				global = &p
			}
		}
	}
	if kindOnly != nil {
		return *kindOnly, true
	}
	if global != nil {
		return *global, true
	}
	return Policy{}, false
}

// hasOption reports whether id is one of the offered options.
func hasOption(options []acpsdk.PermissionOption, id string) bool {
	for _, opt := range options {
		if string(opt.OptionId) == id {
			return true
		}
	}
	return false
}

// pickOption selects the permission option matching a policy decision.
// Once-scoped options are preferred over always-scoped ones so a policy
// never widens the grant beyond the single request it resolved.
func pickOption(options []acpsdk.PermissionOption, decision Decision) (acpsdk.PermissionOption, bool) {
	prefix := "allow"
	if decision == DecisionReject {
		prefix = "reject"
	}

	var fallback *acpsdk.PermissionOption
	for i := range options {
		opt := options[i]
		kind := string(opt.Kind)
		if !strings.HasPrefix(kind, prefix) {
			continue
		}
		if strings.HasSuffix(kind, "once") {
			return opt, true
		}
		if fallback == nil {
			fallback = &opt
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return acpsdk.PermissionOption{}, false
}
