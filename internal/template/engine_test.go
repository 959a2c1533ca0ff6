package template

import (
	"reflect"
	"testing"
)

func TestExpandSubstitutesKnownVariables(t *testing.T) {
	vars := map[string]string{"NAME": "web", "PORT": "8080"}
	got := Expand("service ${NAME} listens on ${PORT}", vars)
	want := "service web listens on 8080"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestExpandLeavesNonMatchingDollarSequences(t *testing.T) {
	cases := []string{
		"price is $5",
		"shell uses $HOME without braces",
		"${not-a-name}",
		"${}",
		"$ {SPACED}",
	}
	for _, text := range cases {
		if got := Expand(text, map[string]string{"HOME": "/root"}); got != text {
			t.Fatalf("expected %q unchanged, got %q", text, got)
		}
	}
}

func TestExpandMissingVariableBecomesUndefined(t *testing.T) {
	result := ExpandTrace("host=${MISSING}", nil)
	if result.Text != "host=UNDEFINED" {
		t.Fatalf("expected UNDEFINED marker, got %q", result.Text)
	}
	if !reflect.DeepEqual(result.Undefined, []string{"MISSING"}) {
		t.Fatalf("expected undefined [MISSING], got %v", result.Undefined)
	}
}

func TestExpandDefaultUsedWhenAbsentOrEmpty(t *testing.T) {
	layers := []Layer{{Source: "vars", Vars: map[string]string{"EMPTY": ""}}}

	result := ExpandTrace("a=${ABSENT:-x} b=${EMPTY:-y}", layers)
	if result.Text != "a=x b=y" {
		t.Fatalf("expected defaults applied, got %q", result.Text)
	}
	if len(result.Undefined) != 0 {
		t.Fatalf("defaults should not count as undefined, got %v", result.Undefined)
	}
}

func TestExpandDefaultNotUsedWhenValuePresent(t *testing.T) {
	got := Expand("ttl=${CACHE_TTL:-60}", map[string]string{"CACHE_TTL": "300"})
	if got != "ttl=300" {
		t.Fatalf("expected ttl=300, got %q", got)
	}
}

func TestExpandIsNonRecursive(t *testing.T) {
	vars := map[string]string{"A": "${B}", "B": "never"}
	got := Expand("${A}", vars)
	if got != "${B}" {
		t.Fatalf("replacement text must not be re-scanned, got %q", got)
	}
}

func TestExpandTraceRecordsSourceLayer(t *testing.T) {
	layers := []Layer{
		{Source: "service-registry", Vars: map[string]string{"DATABASE_URL": "postgresql://u@h/db"}},
		{Source: "built-in", Vars: map[string]string{"POSTSTACK_ENVIRONMENT": "dev", "DATABASE_URL": "shadowed"}},
		{Source: "env-vars", Vars: map[string]string{"LOG_LEVEL": "debug"}},
	}
	result := ExpandTrace("${LOG_LEVEL} ${POSTSTACK_ENVIRONMENT} ${DATABASE_URL} ${CACHE_TTL:-60}", layers)

	want := map[string]string{
		"LOG_LEVEL":             "env-vars",
		"POSTSTACK_ENVIRONMENT": "built-in",
		"DATABASE_URL":          "service-registry",
		"CACHE_TTL":             "default",
	}
	if len(result.Bindings) != len(want) {
		t.Fatalf("expected %d bindings, got %d: %v", len(want), len(result.Bindings), result.Bindings)
	}
	for _, b := range result.Bindings {
		if want[b.Name] != b.Source {
			t.Fatalf("binding %s: expected source %s, got %s", b.Name, want[b.Name], b.Source)
		}
	}
	if result.Bindings[0].Name != "LOG_LEVEL" {
		t.Fatalf("bindings should follow appearance order, got %v", result.Bindings)
	}
}

func TestExpandHigherLayerWins(t *testing.T) {
	layers := []Layer{
		{Source: "high", Vars: map[string]string{"V": "high"}},
		{Source: "low", Vars: map[string]string{"V": "low"}},
	}
	result := ExpandTrace("${V}", layers)
	if result.Text != "high" {
		t.Fatalf("expected higher layer to win, got %q", result.Text)
	}
}

func TestExpandHermeticity(t *testing.T) {
	text := "uses ${ONLY}"
	small := map[string]string{"ONLY": "v"}
	big := map[string]string{"ONLY": "v", "NOISE": "x", "MORE": "y"}
	if Expand(text, small) != Expand(text, big) {
		t.Fatalf("expansion must depend only on referenced names")
	}
}

func TestReferences(t *testing.T) {
	got := References("${A} ${B:-x} ${A} plain $C")
	if !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("expected [A B], got %v", got)
	}
}

func TestFlattenHonorsPrecedence(t *testing.T) {
	merged := Flatten([]Layer{
		{Source: "high", Vars: map[string]string{"V": "high"}},
		{Source: "low", Vars: map[string]string{"V": "low", "OTHER": "o"}},
	})
	if merged["V"] != "high" || merged["OTHER"] != "o" {
		t.Fatalf("unexpected merge result: %v", merged)
	}
}
