// Package validation enforces deployment policy on patch messages at
// the API boundary, on top of the structural checks patch.Decode
// already performs. Rules are set once at startup from config.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"patchcast/pkg/patch"
)

// Rules is the policy applied to every submitted patch. Zero values
// disable the corresponding check.
type Rules struct {
	// MaxContentBytes caps the rendered markup size.
	MaxContentBytes int
	// MaxAuthorLen caps the author display name.
	MaxAuthorLen int
	// MaxDependencies caps the number of head dependencies one patch
	// may declare.
	MaxDependencies int
	// AllowedContainers, when non-empty, whitelists container ids.
	AllowedContainers []string
	// RequireAuthor rejects add patches without an author.
	RequireAuthor bool
}

var rules Rules

// SetRules installs the active policy.
func SetRules(r Rules) { rules = r }

// ValidatePatch checks a decoded message against the active rules. All
// violations are collected into one error so producers see the full
// list at once.
func ValidatePatch(m *patch.Message) error {
	var errs []string

	if len(rules.AllowedContainers) > 0 && !contains(rules.AllowedContainers, m.Container) {
		errs = append(errs, fmt.Sprintf("container not allowed: %s", m.Container))
	}
	if m.Body != nil {
		if rules.MaxContentBytes > 0 && len(m.Body.Content.HTML) > rules.MaxContentBytes {
			errs = append(errs, fmt.Sprintf("content too large: %d > %d bytes", len(m.Body.Content.HTML), rules.MaxContentBytes))
		}
		if rules.MaxAuthorLen > 0 && len(m.Body.Author) > rules.MaxAuthorLen {
			errs = append(errs, fmt.Sprintf("author too long: %d > %d", len(m.Body.Author), rules.MaxAuthorLen))
		}
		if rules.MaxDependencies > 0 && len(m.Body.Content.Dependencies) > rules.MaxDependencies {
			errs = append(errs, fmt.Sprintf("too many dependencies: %d > %d", len(m.Body.Content.Dependencies), rules.MaxDependencies))
		}
		for _, d := range m.Body.Content.Dependencies {
			if d.Name == "" {
				errs = append(errs, "dependency without a name")
			}
		}
	}
	if rules.RequireAuthor && m.Action == patch.ActionAdd && (m.Body == nil || m.Body.Author == "") {
		errs = append(errs, "author is required")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
