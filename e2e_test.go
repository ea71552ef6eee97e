package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"analysisd/cmd"
	"analysisd/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEndToEnd loads a base ruleset plus local overrides from a directory and
// runs an event stream through the CLI.
func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules")
	require.NoError(t, os.Mkdir(rules, 0o755))

	writeRules := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(rules, name), []byte(content), 0o600))
	}
	writeRules("0010-rules_config.yml", `
rules:
  - id: 1
    category: syslog
    description: Generic template for all syslog rules.
  - id: 2
    category: firewall
    description: Generic template for all firewall rules.
`)
	writeRules("0095-sshd_rules.yml", `
rules:
  - id: 5700
    decoded_as: sshd
    group: syslog,sshd,
  - id: 5716
    level: 5
    if_sid: 5700
    match: Failed password|authentication failure
    group: authentication_failed,sshd,
  - id: 5720
    level: 10
    if_sid: 5716
    if_matched_sid: 5716
    frequency: 3
    timeframe: 120
    same_fields: [srcip]
    group: authentication_failures,sshd,
`)
	writeRules("0100-firewall_rules.json", `{"rules": [
  {"id": 4100, "level": 0, "category": "firewall", "group": "firewall,"},
  {"id": 4101, "level": 5, "if_sid": "4100", "match": "DROP", "group": "firewall_drop,"}
]}`)
	writeRules("9000-local_rules.yml", `
rules:
  - id: 100100
    level: 12
    if_level: 10
    description: High severity escalation
  - id: 100101
    level: 8
    if_group: firewall_drop
    srcip: ["203.0.113.0/24"]
    description: Drop from a watched network
  - id: 4101
    level: 6
    if_sid: 4100
    match: DROP
    group: firewall_drop,
    options: [overwrite]
`)

	cfgPath := filepath.Join(dir, "analysisd.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: error\nhistory:\n  max_size: 32\n"), 0o600))

	events := []string{
		`{"category":"firewall","full_log":"DROP TCP 198.51.100.7","srcip":"198.51.100.7"}`,
		`{"category":"firewall","full_log":"DROP TCP 203.0.113.9","srcip":"203.0.113.9"}`,
		`{"category":"syslog","decoded_as":"sshd","full_log":"Failed password for root","srcip":"10.9.9.9"}`,
		`{"category":"syslog","decoded_as":"sshd","full_log":"Failed password for root","srcip":"10.9.9.9"}`,
		`{"category":"syslog","decoded_as":"sshd","full_log":"Failed password for root","srcip":"10.9.9.9"}`,
		`{"category":"syslog","decoded_as":"sshd","full_log":"Failed password for root","srcip":"10.9.9.9"}`,
	}

	root := cmd.NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader(strings.Join(events, "\n")))
	root.SetArgs([]string{"run", "--config", cfgPath, "--rules", rules, "--workers", "1", "--no-color"})
	require.NoError(t, root.Execute())

	var alerts []core.Alert
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var a core.Alert
		require.NoError(t, json.Unmarshal([]byte(line), &a), line)
		alerts = append(alerts, a)
	}
	require.Len(t, alerts, 6)

	assert.Equal(t, 4101, alerts[0].SigID)
	assert.Equal(t, 6, alerts[0].Level, "overwritten level")
	assert.Equal(t, 100101, alerts[1].SigID)
	assert.Equal(t, []int{2, 4100, 4101, 100101}, alerts[1].Path)
	for i := 2; i < 5; i++ {
		assert.Equal(t, 5716, alerts[i].SigID)
	}
	// the brute force match descends into the unconditional escalation rule
	assert.Equal(t, 100100, alerts[5].SigID)
	assert.Equal(t, 12, alerts[5].Level)
	assert.Equal(t, []int{1, 5700, 5716, 5720, 100100}, alerts[5].Path)
}
