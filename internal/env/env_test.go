package env

import (
	"strings"
	"testing"
)

func lookup(list []string, key string) (string, bool) {
	for _, kv := range list {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestMergeOrderAndExpansion(t *testing.T) {
	e := FromMap(map[string]string{
		"DATA_DIR": "/var/lib/w",
		"CACHE":    "${DATA_DIR}/cache",
		"SOCKET":   "config-value",
	}, false)
	out := e.Merge("SOCKET=/tmp/w.sock", "BROKEN", "=nokey")

	if v, _ := lookup(out, "CACHE"); v != "/var/lib/w/cache" {
		t.Fatalf("CACHE = %q", v)
	}
	if v, _ := lookup(out, "SOCKET"); v != "/tmp/w.sock" {
		t.Fatalf("override lost: SOCKET = %q", v)
	}
	if _, ok := lookup(out, "BROKEN"); ok {
		t.Fatalf("malformed override should be skipped")
	}
	if len(out) != 3 {
		t.Fatalf("unexpected env %v", out)
	}
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("not sorted: %v", out)
		}
	}
}

func TestMergeInheritsOS(t *testing.T) {
	t.Setenv("SIDEKICK_ENV_TEST", "from-os")
	out := New(true).Merge()
	if v, _ := lookup(out, "SIDEKICK_ENV_TEST"); v != "from-os" {
		t.Fatalf("OS variable not inherited")
	}
	out = New(false).Merge()
	if len(out) != 0 {
		t.Fatalf("expected empty env without inherit, got %d vars", len(out))
	}
}

func TestSetUnset(t *testing.T) {
	var e Env
	e.Set("", "x")
	e.Set("A", "1")
	e.Unset("A")
	if out := e.Merge(); len(out) != 0 {
		t.Fatalf("expected empty, got %v", out)
	}
}

func TestExpand(t *testing.T) {
	m := Var{"A": "1", "B": "two"}
	cases := map[string]string{
		"plain":        "plain",
		"${A}":         "1",
		"x${A}y${B}z":  "x1ytwoz",
		"$A":           "$A",
		"${MISSING}-x": "-x",
		"open ${A":     "open ${A",
		"${A}${":       "1${",
		"${${A}}":      "}",
	}
	for in, want := range cases {
		if got := expand(in, m); got != want {
			t.Errorf("expand(%q) = %q, want %q", in, got, want)
		}
	}
}

// FuzzMerge checks that composed entries always carry a non-empty key and
// that inputs without "$" never produce "${".
func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("FOO=bar", "FOO=${FOO}")
	f.Add("X=$Y", "Y=${X}")

	f.Fuzz(func(t *testing.T, global, per string) {
		e := New(false)
		for _, kv := range strings.Split(global, "\n") {
			if k, v, ok := strings.Cut(kv, "="); ok {
				e.Set(k, v)
			}
		}
		out := e.Merge(strings.Split(per, "\n")...)
		for _, kv := range out {
			if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
		}
		if !strings.Contains(global+per, "$") {
			for _, kv := range out {
				if strings.Contains(kv, "${") {
					t.Fatalf("unexpected ${ in %q", kv)
				}
			}
		}
	})
}
