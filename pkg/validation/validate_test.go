package validation

import (
	"strings"
	"testing"

	"patchcast/pkg/patch"
)

func decode(t *testing.T, raw string) *patch.Message {
	t.Helper()
	m, err := patch.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestZeroRulesAllowEverything(t *testing.T) {
	SetRules(Rules{})
	m := decode(t, `{"container":"chat","action":"add","body":{"content":"<p>x</p>"}}`)
	if err := ValidatePatch(m); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestContainerWhitelist(t *testing.T) {
	SetRules(Rules{AllowedContainers: []string{"chat", "feed"}})
	ok := decode(t, `{"container":"feed","action":"add","body":{"content":"<p>x</p>"}}`)
	if err := ValidatePatch(ok); err != nil {
		t.Fatalf("whitelisted container rejected: %v", err)
	}
	bad := decode(t, `{"container":"other","action":"add","body":{"content":"<p>x</p>"}}`)
	if err := ValidatePatch(bad); err == nil {
		t.Fatal("unlisted container accepted")
	}
}

func TestSizeCaps(t *testing.T) {
	SetRules(Rules{MaxContentBytes: 8, MaxAuthorLen: 4})
	m := decode(t, `{"container":"chat","action":"add","body":{"author":"Alexander","content":"<p>long enough</p>"}}`)
	err := ValidatePatch(m)
	if err == nil {
		t.Fatal("oversized patch accepted")
	}
	if !strings.Contains(err.Error(), "content too large") || !strings.Contains(err.Error(), "author too long") {
		t.Fatalf("violations not collected: %v", err)
	}
}

func TestDependencyRules(t *testing.T) {
	SetRules(Rules{MaxDependencies: 1})
	m := decode(t, `{"container":"chat","action":"add","body":{"content":{"html":"<p>x</p>","dependencies":[{"name":"a"},{"name":"b"}]}}}`)
	if err := ValidatePatch(m); err == nil {
		t.Fatal("dependency cap not enforced")
	}
	SetRules(Rules{})
	unnamed := decode(t, `{"container":"chat","action":"add","body":{"content":{"html":"<p>x</p>","dependencies":[{"name":""}]}}}`)
	if err := ValidatePatch(unnamed); err == nil {
		t.Fatal("unnamed dependency accepted")
	}
}

func TestRequireAuthor(t *testing.T) {
	SetRules(Rules{RequireAuthor: true})
	anon := decode(t, `{"container":"chat","action":"add","body":{"content":"<p>x</p>"}}`)
	if err := ValidatePatch(anon); err == nil {
		t.Fatal("anonymous add accepted")
	}
	idx := 0
	rm := &patch.Message{Container: "chat", Action: patch.ActionRemove, Index: &idx}
	if err := ValidatePatch(rm); err != nil {
		t.Fatalf("remove should not need an author: %v", err)
	}
}
