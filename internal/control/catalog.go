package control

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	ActionRestart     = "restart"
	ActionClearCache  = "clear_cache"
	ActionResetConn   = "reset_connection"
	ActionScale       = "scale"
	ActionRotateCreds = "rotate_credentials"
)

// ActionDef describes one remediation the operator surface may request.
// Definitions come from the built-in catalog, optionally overridden by a
// YAML file.
type ActionDef struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	// Confidence (0..100) is the expected chance the action fixes the
	// class of problem it targets; Impact describes the blast radius.
	Confidence       int    `yaml:"confidence" json:"confidence"`
	Impact           string `yaml:"impact" json:"impact"`
	RequiresApproval bool    `yaml:"requires_approval" json:"requires_approval"`
	// Cooldown guards against hammering the same remediation; zero
	// disables the guard.
	CooldownSeconds int `yaml:"cooldown_seconds" json:"cooldown_seconds"`
}

type Catalog struct {
	actions map[string]ActionDef
}

// DefaultCatalog carries the five built-in remediations. Destructive
// ones are approval-gated out of the box.
func DefaultCatalog() *Catalog {
	defs := []ActionDef{
		{Name: ActionClearCache, Description: "Flush the shared cache", Confidence: 80, Impact: "low", CooldownSeconds: 60},
		{Name: ActionResetConn, Description: "Reset database connection pool", Confidence: 70, Impact: "medium", CooldownSeconds: 60},
		{Name: ActionRestart, Description: "Restart a component", Confidence: 90, Impact: "high", RequiresApproval: true, CooldownSeconds: 300},
		{Name: ActionScale, Description: "Adjust worker concurrency", Confidence: 60, Impact: "low", CooldownSeconds: 30},
		{Name: ActionRotateCreds, Description: "Rotate service credentials", Confidence: 50, Impact: "high", RequiresApproval: true, CooldownSeconds: 3600},
	}
	c := &Catalog{actions: make(map[string]ActionDef, len(defs))}
	for _, d := range defs {
		c.actions[d.Name] = d
	}
	return c
}

// LoadCatalog reads overrides from a YAML file and merges them over the
// defaults. Unknown action names are rejected so a typo cannot silently
// drop an approval gate.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read remediation catalog: %w", err)
	}
	var doc struct {
		Actions []ActionDef `yaml:"actions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse remediation catalog: %w", err)
	}
	for _, d := range doc.Actions {
		if _, ok := c.actions[d.Name]; !ok {
			return nil, fmt.Errorf("remediation catalog: unknown action %q", d.Name)
		}
		c.actions[d.Name] = d
	}
	return c, nil
}

func (c *Catalog) Get(name string) (ActionDef, bool) {
	d, ok := c.actions[name]
	return d, ok
}

func (c *Catalog) List() []ActionDef {
	out := make([]ActionDef, 0, len(c.actions))
	for _, name := range []string{ActionClearCache, ActionResetConn, ActionRestart, ActionScale, ActionRotateCreds} {
		if d, ok := c.actions[name]; ok {
			out = append(out, d)
		}
	}
	return out
}
