package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testConfig struct {
	Name    string        `yaml:"name" json:"name"`
	Port    int           `yaml:"port" json:"port"`
	Debug   bool          `yaml:"debug" json:"debug"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Tags    []string      `yaml:"tags" json:"tags"`
	Nested  struct {
		DSN string `yaml:"dsn" json:"dsn"`
	} `yaml:"nested" json:"nested"`
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "cfg.yaml", "name: machina\nport: 8080\ndebug: true\nnested:\n  dsn: sqlite://x\n")

	var cfg testConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "machina" || cfg.Port != 8080 || !cfg.Debug || cfg.Nested.DSN != "sqlite://x" {
		t.Errorf("wrong config: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "cfg.json", `{"name":"machina","port":9090}`)

	var cfg testConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "machina" || cfg.Port != 9090 {
		t.Errorf("wrong config: %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "cfg.yaml", "name: machina\nport: 8080\n")

	t.Setenv("TEST_NAME", "overridden")
	t.Setenv("TEST_PORT", "9999")
	t.Setenv("TEST_DEBUG", "true")
	t.Setenv("TEST_TAGS", "a, b,c")
	t.Setenv("TEST_NESTED_DSN", "postgres://y")

	var cfg testConfig
	if err := LoadWithEnv(path, "TEST", &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "overridden" {
		t.Errorf("name override missed: %q", cfg.Name)
	}
	if cfg.Port != 9999 {
		t.Errorf("port override missed: %d", cfg.Port)
	}
	if !cfg.Debug {
		t.Error("debug override missed")
	}
	if len(cfg.Tags) != 3 || cfg.Tags[1] != "b" {
		t.Errorf("tags override missed: %v", cfg.Tags)
	}
	if cfg.Nested.DSN != "postgres://y" {
		t.Errorf("nested override missed: %q", cfg.Nested.DSN)
	}
}

func TestEnvOverrideBadValue(t *testing.T) {
	path := writeFile(t, "cfg.yaml", "port: 1\n")
	t.Setenv("TEST_PORT", "not-a-number")

	var cfg testConfig
	if err := LoadWithEnv(path, "TEST", &cfg); err == nil {
		t.Error("bad int accepted")
	}
}

const orderComponentYAML = `
name: OrderCo
version: "1.0"
machines:
  - name: Order
    states:
      - name: Pending
        kind: entry
      - name: Confirmed
      - name: Done
        kind: final
    transitions:
      - from: Pending
        to: Confirmed
        event: CONFIRM
        guards:
          - kind: comparison
            source: event
            path: amount
            operator: ">"
            value: 0
      - from: Confirmed
        to: Done
        event: SETTLE
        kind: regular
      - from: Confirmed
        to: Done
        event: EXPIRE
        kind: timeout
        timeoutMs: 30000
        resetOnTransition: false
`

func TestLoadComponent(t *testing.T) {
	path := writeFile(t, "order.yaml", orderComponentYAML)

	component, err := LoadComponent(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if component.Name != "OrderCo" {
		t.Errorf("name: %q", component.Name)
	}
	machine := component.Machine("Order")
	if machine == nil {
		t.Fatal("machine missing")
	}
	if machine.InitialState != "Pending" {
		t.Errorf("initial state not derived: %q", machine.InitialState)
	}
	if len(machine.Transitions) != 3 {
		t.Fatalf("transitions: %d", len(machine.Transitions))
	}
	timeouts := machine.TimeoutTransitionsFrom("Confirmed")
	if len(timeouts) != 1 || timeouts[0].TimeoutMs != 30000 {
		t.Errorf("timeout transition not parsed: %+v", timeouts)
	}
	if timeouts[0].ResetsTimers() {
		t.Error("resetOnTransition=false not honored")
	}
	guard := machine.Transitions[0].Guards[0]
	if guard.Operator != ">" || guard.Path != "amount" {
		t.Errorf("guard not parsed: %+v", guard)
	}
}

func TestLoadComponentInvalid(t *testing.T) {
	path := writeFile(t, "bad.yaml", "name: X\nmachines:\n  - name: M\n    states:\n      - name: A\n")
	if _, err := LoadComponent(path); err == nil {
		t.Error("component without entry state accepted")
	}
}
