package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarm-dev/swarm/internal/config"
	"github.com/swarm-dev/swarm/internal/events"
	"github.com/swarm-dev/swarm/internal/gates"
	"github.com/swarm-dev/swarm/internal/lifecycle"
	"github.com/swarm-dev/swarm/internal/types"
)

func init() {
	color.NoColor = true
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "swarm.db")
	cfg.Log.Level = "warn"
	return cfg
}

func TestParseCriteria(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    []types.AcceptanceCriterion
		wantErr bool
	}{
		{"empty", nil, []types.AcceptanceCriterion{}, false},
		{"single", []string{"ac-1:returns 200"}, []types.AcceptanceCriterion{{ID: "ac-1", Description: "returns 200"}}, false},
		{"colon in description", []string{"ac-2: GET /a:b works "}, []types.AcceptanceCriterion{{ID: "ac-2", Description: "GET /a:b works"}}, false},
		{"missing description", []string{"ac-1"}, nil, true},
		{"missing id", []string{":desc"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCriteria(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIssues(t *testing.T) {
	got := parseIssues([]string{
		"high|auth.go:45|token never expires",
		"low|naming",
		"missing test",
	})
	assert.Equal(t, []types.ReviewIssue{
		{Severity: "high", Location: "auth.go:45", Description: "token never expires"},
		{Severity: "low", Description: "naming"},
		{Description: "missing test"},
	}, got)
}

func TestParseCriterionStatus(t *testing.T) {
	got := parseCriterionStatus([]string{"ac-1"}, []string{"ac-2:needs product input", "ac-3"})
	assert.Equal(t, []types.CriterionStatus{
		{CriterionID: "ac-1", Met: true},
		{CriterionID: "ac-2", Notes: "needs product input"},
		{CriterionID: "ac-3"},
	}, got)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "ticket_id", "tkt-00000001")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"ticket_id":"tkt-00000001"`)

	_, err = newLogger(config.LogConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
}

func TestDecodeImport(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"valid", `
tickets:
  - key: feature
    title: Checkout
  - parent: feature
    title: API
    depends_on: [feature]
`, ""},
		{"duplicate key", `
tickets:
  - {key: a, title: one}
  - {key: a, title: two}
`, "duplicate key"},
		{"child before parent", `
tickets:
  - {parent: f, title: child}
  - {key: f, title: feature}
`, "listed before"},
		{"unknown field", `
tickets:
  - {title: x, colour: red}
`, "colour"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeImport(strings.NewReader(tt.doc))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestImportTickets(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), &bytes.Buffer{})
	require.NoError(t, err)
	defer a.Close(ctx)

	f, err := decodeImport(strings.NewReader(`
tickets:
  - key: feature
    title: Checkout flow
  - key: api
    parent: feature
    title: Checkout API
    acceptance_criteria:
      - {id: ac-1, description: POST /checkout creates an order}
    activate: true
  - parent: feature
    title: Checkout UI
    depends_on: [api]
    activate: true
`))
	require.NoError(t, err)

	created, err := importTickets(ctx, a.engine, f)
	require.NoError(t, err)
	require.Len(t, created, 3)

	assert.Equal(t, types.StateDraft, created[0].State)
	assert.Equal(t, types.StateReady, created[1].State)
	assert.Equal(t, created[0].ID, created[1].ParentTicketID)
	assert.Equal(t, types.StateBlocked, created[2].State, "waits for the API ticket")
	assert.Equal(t, created[0].ID, created[2].ParentTicketID)
}

func TestAppWiring(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	defer ns.Shutdown()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Events.NATSURL = ns.ClientURL()

	a, err := newApp(ctx, cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy-gate", "metrics", "nats"}, a.bus.Subscribers())

	got := make(chan events.StateChange, 16)
	sub, err := a.nats.Follow(func(c events.StateChange) { got <- c })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	tk := &types.Ticket{
		Title:              "Standalone fix",
		AcceptanceCriteria: []types.AcceptanceCriterion{{ID: "ac-1", Description: "bug is gone"}},
	}
	require.NoError(t, a.engine.CreateTicket(ctx, tk, "test"))
	_, err = a.engine.Activate(ctx, tk.ID, "test")
	require.NoError(t, err)

	var states []types.TicketState
	timeout := time.After(5 * time.Second)
	for len(states) < 2 {
		select {
		case c := <-got:
			states = append(states, c.ToState)
		case <-timeout:
			t.Fatalf("saw only %v", states)
		}
	}
	assert.ElementsMatch(t, []types.TicketState{types.StateDraft, types.StateReady}, states)

	require.NoError(t, a.Close(ctx))
}

func runCLI(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append([]string{"--config", cfgPath, "--actor", "tester", "--json"}, args...))
	require.NoError(t, rootCmd.Execute(), buf.String())
	return buf.String()
}

func TestCLIHappyPath(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	t.Setenv("SWARM_DATABASE_PATH", filepath.Join(dir, "swarm.db"))
	t.Setenv("SWARM_LOG_LEVEL", "error")

	runCLI(t, cfgPath, "init")
	loaded, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "swarm.db"), loaded.Database.Path)

	var created types.Ticket
	out := runCLI(t, cfgPath, "ticket", "create", "--title", "Add login", "--criterion", "ac-1:login works", "--activate")
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, types.StateReady, created.State)

	var claimed types.Ticket
	out = runCLI(t, cfgPath, "claim", "--agent", "agent-1")
	require.NoError(t, json.Unmarshal([]byte(out), &claimed))
	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, "agent-1", claimed.AssigneeID)

	runCLI(t, cfgPath, "start", created.ID, "--agent", "agent-1")
	runCLI(t, cfgPath, "complete", created.ID, "--pr", "pr/1", "--met", "ac-1")

	var reviewed types.Ticket
	out = runCLI(t, cfgPath, "review", created.ID, "--decision", "approve", "--score", "90", "--passed", "ac-1")
	require.NoError(t, json.Unmarshal([]byte(out), &reviewed))
	assert.Equal(t, types.StateDone, reviewed.State)

	var d gates.Decision
	out = runCLI(t, cfgPath, "deploy", "decide", created.ID)
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, gates.ActionDeployNow, d.Action)

	var h lifecycle.History
	out = runCLI(t, cfgPath, "history", created.ID)
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	assert.Len(t, h.Events, 6)
	require.Len(t, h.Reviews, 1)
	assert.Equal(t, "tester", h.Reviews[0].Reviewer)
}

func TestCLIClassify(t *testing.T) {
	out := runCLI(t, filepath.Join(t.TempDir(), "none.yaml"), "classify", "--retry-count", "0", "dial tcp 10.0.0.1:443: connect: ECONNREFUSED")
	var d struct {
		Classification struct {
			Category string `json:"category"`
		}
		Retry bool
		Delay time.Duration
	}
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, "api", d.Classification.Category)
	assert.True(t, d.Retry)
	assert.Equal(t, time.Second, d.Delay)
}

func TestPrintDecision(t *testing.T) {
	var buf bytes.Buffer
	printDecision(&buf, &gates.Decision{
		Action:     gates.ActionQueue,
		Reason:     "2 of 3 siblings still open",
		Incomplete: []string{"tkt-00000002", "tkt-00000003"},
	})
	assert.Equal(t, "queue  2 of 3 siblings still open\n  waiting on: tkt-00000002, tkt-00000003\n", buf.String())
}
