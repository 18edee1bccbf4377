package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

const sample = `
; global settings
port = 9000
servers = alpha beta
auth = secret1 secret2

[alpha]
path = /srv/alpha
command = ./run.sh --flag
warmup = 5
backup_frequency = 60
backup_command = tar -czf backup.tar.gz .

[beta]
auth = betaonly
` + "# trailing comment, no newline after it"

func TestLoadParsesSections(t *testing.T) {
	c, err := Load(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := c.Port(); got != 9000 {
		t.Errorf("Port() = %d, want 9000", got)
	}
	if got := c.Servers(); !reflect.DeepEqual(got, []string{"alpha", "beta"}) {
		t.Errorf("Servers() = %v", got)
	}
	if got := c.ChildPath("alpha"); got != "/srv/alpha" {
		t.Errorf("ChildPath(alpha) = %q", got)
	}
	if got := c.ChildCommand("alpha"); got != "./run.sh --flag" {
		t.Errorf("ChildCommand(alpha) = %q", got)
	}
	if got := c.ChildWarmup("alpha"); got != 5*time.Second {
		t.Errorf("ChildWarmup(alpha) = %v", got)
	}
	if got := c.ChildBackupFrequency("alpha"); got != 60 {
		t.Errorf("ChildBackupFrequency(alpha) = %d", got)
	}
}

func TestChildAuthFallsBackToGlobal(t *testing.T) {
	c, err := Load(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := c.ChildAuth("alpha"); got != "secret1 secret2" {
		t.Errorf("ChildAuth(alpha) = %q, want global fallback", got)
	}
	if got := c.ChildAuth("beta"); got != "betaonly" {
		t.Errorf("ChildAuth(beta) = %q, want child override", got)
	}
}

func TestGetFirstMatchWins(t *testing.T) {
	c, err := Load(strings.NewReader("key = first\nkey = second\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := c.Get("", "key", ""); got != "first" {
		t.Errorf("Get() = %q, want first assignment to win", got)
	}
}

func TestValueStripsOnlyOneLeadingSpace(t *testing.T) {
	c, err := Load(strings.NewReader("key =   indented\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := c.Get("", "key", ""); got != "  indented" {
		t.Errorf("Get() = %q, want single leading space dropped", got)
	}
}

func TestFinalLineWithoutNewlineIsNotFlushed(t *testing.T) {
	c, err := Load(strings.NewReader("key = value"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := c.Get("", "key", "missing"); got != "missing" {
		t.Errorf("Get() = %q, want default since unterminated line is dropped", got)
	}
}

func TestKeyTooLongIsAnError(t *testing.T) {
	longKey := strings.Repeat("k", maxKeyLen+1)
	_, err := Load(strings.NewReader(longKey + " = v\n"))
	if err == nil {
		t.Fatal("Load() error = nil, want error for oversized key")
	}
}

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"./server --flag value", []string{"./server", "--flag", "value"}},
		{"a\\ b c", []string{"a b", "c"}},
		{"  leading   and   spaced  ", []string{"leading", "and", "spaced"}},
		{"", nil},
	}
	for _, tc := range cases {
		got := Tokenize(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
