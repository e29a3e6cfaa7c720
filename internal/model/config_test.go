package model_test

import (
	"strings"
	"testing"

	"github.com/fleetward/deviceops/internal/model"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
connection:
  broker: ssl://iot.example.com:8883
  thingName: dev-0042
  caFile: /etc/deviceops/ca.pem
  certFile: /etc/deviceops/cert.pem
  keyFile: /etc/deviceops/key.pem
security:
  enabled: true
  commandAllowlist:
    - /usr/bin/uptime
execution:
  defaultTimeout: 120
service:
  verbose: true
  log: stdout
  pollSchedule: PT10M
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, "ssl://iot.example.com:8883", cfg.Connection.Broker)
	require.Equal(t, "dev-0042", cfg.Connection.ThingName)
	require.Equal(t, 30, cfg.Connection.KeepAlive) // default
	require.True(t, cfg.Security.Enabled)
	require.Equal(t, []string{"/usr/bin/uptime"}, cfg.Security.CommandAllowlist)
	require.Empty(t, cfg.Security.PathAllowlist)
	require.Equal(t, 120, cfg.Execution.DefaultTimeout)
	require.True(t, cfg.Execution.RequireVerifiedElevation) // default
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, model.LogStdout, cfg.Service.Log)
	require.Equal(t, "PT10M", cfg.Service.PollSchedule)
}

func TestLoadConfig_Defaults(t *testing.T) {
	yml := `
version: 0
connection:
  broker: tcp://localhost:1883
  thingName: bench-1
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.False(t, cfg.Security.Enabled)
	require.Equal(t, 300, cfg.Execution.DefaultTimeout)
	require.True(t, cfg.Execution.RequireVerifiedElevation)
	require.False(t, cfg.Service.Verbose)
	require.Equal(t, model.LogStderr, cfg.Service.Log)
	require.Empty(t, cfg.Service.PollSchedule)
	require.Empty(t, cfg.Connection.ClientID)
}

func TestLoadConfig_PasswordExpansion(t *testing.T) {
	t.Setenv("DEVICEOPS_TEST_SECRET", "hunter2")
	yml := `
version: 0
connection:
  broker: tcp://localhost:1883
  thingName: bench-1
  username: agent
  password: $DEVICEOPS_TEST_SECRET
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "hunter2", cfg.Connection.Password)
}

func TestLoadConfig_Fail(t *testing.T) {
	cases := []struct {
		scenario string
		yml      string
		mentions string
	}{
		{
			scenario: "missing_broker",
			yml: `
version: 0
connection:
  thingName: dev-0042
`,
			mentions: "connection.broker",
		},
		{
			scenario: "unknown_field",
			yml: `
version: 0
connection:
  broker: tcp://localhost:1883
  thingName: dev-0042
  endpoint: somewhere
`,
			mentions: "endpoint",
		},
		{
			scenario: "timeout_out_of_range",
			yml: `
version: 0
connection:
  broker: tcp://localhost:1883
  thingName: dev-0042
execution:
  defaultTimeout: 0
`,
			mentions: "defaultTimeout",
		},
		{
			scenario: "bad_log_destination",
			yml: `
version: 0
connection:
  broker: tcp://localhost:1883
  thingName: dev-0042
service:
  log: file
`,
			mentions: "service.log",
		},
		{
			scenario: "wrong_version",
			yml: `
version: 1
connection:
  broker: tcp://localhost:1883
  thingName: dev-0042
`,
			mentions: "version",
		},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.yml))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.mentions)

			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			var all []string
			for _, d := range details {
				all = append(all, d.String(), d.Raw, d.Path)
			}
			require.Contains(t, strings.Join(all, "\n"), tc.mentions)
		})
	}
}
