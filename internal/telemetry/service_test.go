package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/clawtrail/internal/diag"
	"github.com/ppiankov/clawtrail/internal/event"
	"github.com/ppiankov/clawtrail/internal/integrity"
	"github.com/ppiankov/clawtrail/internal/ratelimit"
	"github.com/ppiankov/clawtrail/internal/redact"
	"github.com/ppiankov/clawtrail/internal/rotate"
	"github.com/ppiankov/clawtrail/internal/syslog"
)

func stopCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var recs []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec), "line %q", scanner.Text())
		recs = append(recs, rec)
	}
	require.NoError(t, scanner.Err())
	return recs
}

func startService(t *testing.T, cfg Config, opts StartOptions) *Service {
	t.Helper()
	opts.Config = cfg
	if opts.StateDir == "" {
		opts.StateDir = t.TempDir()
	}
	svc := New()
	require.NoError(t, svc.Start(context.Background(), opts))
	return svc
}

func TestEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	svc := startService(t, Config{Enabled: true, FilePath: path}, StartOptions{Logger: logger})
	svc.Write(&event.ToolStart{ToolName: "bash", Params: map[string]any{"cmd": "ls"}})
	svc.Write(&event.ToolEnd{ToolName: "bash", Success: true, DurationMs: event.Int64(50)})
	require.NoError(t, svc.Stop(stopCtx(t)))

	recs := readRecords(t, path)
	require.Len(t, recs, 2)
	require.Equal(t, "tool.start", recs[0]["type"])
	require.Equal(t, "bash", recs[0]["toolName"])
	require.EqualValues(t, 1, recs[0]["seq"])
	require.Equal(t, "tool.end", recs[1]["type"])
	require.Equal(t, true, recs[1]["success"])
	require.EqualValues(t, 50, recs[1]["durationMs"])
	require.EqualValues(t, 2, recs[1]["seq"])

	require.Contains(t, logs.String(), "telemetry: "+path)
}

func TestPersistedFieldsExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	svc := startService(t, Config{
		Enabled:   true,
		FilePath:  path,
		Integrity: integrity.Config{Enabled: true},
	}, StartOptions{})
	svc.Write(&event.SessionStart{Header: event.Header{SessionKey: "main"}, SessionID: "s-1"})
	require.NoError(t, svc.Stop(stopCtx(t)))

	recs := readRecords(t, path)
	require.Len(t, recs, 1)
	keys := make([]string, 0, len(recs[0]))
	for k := range recs[0] {
		keys = append(keys, k)
	}
	require.ElementsMatch(t, []string{"type", "seq", "ts", "sessionKey", "sessionId", "prevHash", "hash"}, keys)
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	svc := startService(t, Config{Enabled: false}, StartOptions{StateDir: dir})
	svc.Write(&event.ToolStart{ToolName: "test", Params: map[string]any{}})
	require.False(t, svc.Running())
	require.NoError(t, svc.Stop(stopCtx(t)))

	_, err := os.Stat(DefaultFilePath(dir))
	require.True(t, os.IsNotExist(err), "disabled telemetry created %s", DefaultFilePath(dir))
	require.Zero(t, svc.Seq())
}

func TestDefaultPath(t *testing.T) {
	dir := t.TempDir()
	svc := startService(t, Config{Enabled: true}, StartOptions{StateDir: dir})
	svc.Write(&event.AgentStart{PromptLength: 100})
	require.NoError(t, svc.Stop(stopCtx(t)))

	data, err := os.ReadFile(filepath.Join(dir, "logs", "telemetry.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"agent.start"`)
}

func TestWriteDoesNotMutateCaller(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	svc := startService(t, Config{
		Enabled:   true,
		FilePath:  path,
		Redact:    redact.Config{Enabled: true},
		Integrity: integrity.Config{Enabled: true},
	}, StartOptions{})

	in := &event.ToolStart{ToolName: "bash", Params: map[string]any{"cmd": "export API_KEY=abcdefghijklmnopqrstuvwx"}}
	svc.Write(in)
	require.NoError(t, svc.Stop(stopCtx(t)))

	require.Zero(t, in.Seq)
	require.Empty(t, in.Hash)
	require.Contains(t, in.Params["cmd"], "abcdefghijklmnopqrstuvwx")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "abcdefghijklmnopqrstuvwx")
	require.Contains(t, string(data), redact.DefaultReplacement)
}

func TestConcurrentWritesSeqMatchesFileOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	svc := startService(t, Config{Enabled: true, FilePath: path}, StartOptions{})

	const writers, perWriter = 8, 125
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				svc.Write(&event.MessageIn{Channel: "c", From: "f", ContentLength: i})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, svc.Stop(stopCtx(t)))

	recs := readRecords(t, path)
	require.Len(t, recs, writers*perWriter)
	for i, rec := range recs {
		require.EqualValues(t, i+1, rec["seq"], "line %d", i+1)
	}
	require.EqualValues(t, writers*perWriter, svc.Seq())
}

func TestSeqIsGapFree(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("N writes persist seq 1..N in order", prop.ForAll(
		func(n int) bool {
			path := filepath.Join(t.TempDir(), "telemetry.jsonl")
			svc := New()
			if err := svc.Start(context.Background(), StartOptions{
				Config: Config{Enabled: true, FilePath: path, Integrity: integrity.Config{Enabled: true}},
			}); err != nil {
				return false
			}
			for i := 0; i < n; i++ {
				svc.Write(&event.AgentEnd{Success: i%2 == 0})
			}
			if err := svc.Stop(context.Background()); err != nil {
				return false
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return false
			}
			lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
			if len(lines) != n {
				return false
			}
			for i, line := range lines {
				var rec struct {
					Seq int64 `json:"seq"`
				}
				if json.Unmarshal([]byte(line), &rec) != nil || rec.Seq != int64(i+1) {
					return false
				}
			}
			return integrity.Verify(bytes.NewReader(data), "").Valid
		},
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}

func TestIntegrityAcrossRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	svc := startService(t, Config{
		Enabled:   true,
		FilePath:  path,
		Integrity: integrity.Config{Enabled: true, Algorithm: "blake3"},
		Rotate:    rotate.Config{Enabled: true, MaxSizeBytes: 2048, MaxFiles: 50},
	}, StartOptions{})

	for i := 0; i < 200; i++ {
		svc.Write(&event.ToolStart{ToolName: "bash", Params: map[string]any{"i": i}})
	}
	require.NoError(t, svc.Stop(stopCtx(t)))

	segs, err := rotate.Segments(path)
	require.NoError(t, err)
	require.NotEmpty(t, segs)

	res := integrity.VerifyFiles(append(segs, path), "blake3")
	require.True(t, res.Valid, "%s at %s:%d", res.Error, res.ErrorFile, res.ErrorLine)
	require.Equal(t, 200, res.Lines)
	require.Equal(t, 1, res.Chains)
	require.False(t, res.Truncated)
}

func TestRestartContinuesSeqAndStartsNewChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	cfg := Config{Enabled: true, FilePath: path, Integrity: integrity.Config{Enabled: true}}
	svc := New()

	for round := 0; round < 2; round++ {
		require.NoError(t, svc.Start(context.Background(), StartOptions{Config: cfg}))
		svc.Write(&event.SessionStart{SessionID: "s"})
		svc.Write(&event.SessionEnd{SessionID: "s"})
		require.NoError(t, svc.Stop(stopCtx(t)))
	}

	recs := readRecords(t, path)
	require.Len(t, recs, 4)
	for i, rec := range recs {
		require.EqualValues(t, i+1, rec["seq"])
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	res := integrity.Verify(f, "")
	require.True(t, res.Valid, res.Error)
	require.Equal(t, 2, res.Chains)
}

func TestStartTwiceFails(t *testing.T) {
	svc := startService(t, Config{Enabled: true}, StartOptions{})
	defer svc.Stop(stopCtx(t))
	err := svc.Start(context.Background(), StartOptions{Config: Config{Enabled: true}, StateDir: t.TempDir()})
	require.ErrorIs(t, err, ErrRunning)
}

func TestInvalidConfigFailsFast(t *testing.T) {
	cases := map[string]Config{
		"protocol":  {Enabled: true, Syslog: syslog.Config{Enabled: true, Host: "h", Protocol: "sctp"}},
		"format":    {Enabled: true, Syslog: syslog.Config{Enabled: true, Host: "h", Format: "xml"}},
		"algorithm": {Enabled: true, Integrity: integrity.Config{Enabled: true, Algorithm: "md5"}},
		"pattern":   {Enabled: true, Redact: redact.Config{Enabled: true, Patterns: []string{"("}}},
		"burst":     {Enabled: true, RateLimit: ratelimit.Config{Enabled: true, BurstSize: -1}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			svc := New()
			err := svc.Start(context.Background(), StartOptions{Config: cfg, StateDir: dir})
			require.Error(t, err)
			require.False(t, svc.Running())
			_, statErr := os.Stat(filepath.Join(dir, "logs"))
			require.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestRateLimitDropsExcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	svc := startService(t, Config{
		Enabled:   true,
		FilePath:  path,
		RateLimit: ratelimit.Config{Enabled: true, MaxEventsPerSecond: 1, BurstSize: 5},
	}, StartOptions{})

	for i := 0; i < 20; i++ {
		svc.Write(&event.ToolStart{ToolName: "bash"})
	}
	require.NoError(t, svc.Stop(stopCtx(t)))

	recs := readRecords(t, path)
	// The bucket starts with 5 tokens; at most one more refills while the
	// loop runs.
	require.GreaterOrEqual(t, len(recs), 5)
	require.LessOrEqual(t, len(recs), 6)
	require.EqualValues(t, 20-len(recs), svc.Dropped())
	for i, rec := range recs {
		require.EqualValues(t, i+1, rec["seq"], "dropped events must not consume seq")
	}
}

func TestDiagnosticsBecomeLLMUsage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	var bus diag.Bus
	svc := startService(t, Config{Enabled: true, FilePath: path}, StartOptions{Diagnostics: &bus})
	require.Equal(t, 1, bus.Subscribers())

	bus.Publish(diag.Event{
		Type:       diag.TypeModelUsage,
		SessionKey: "main",
		Provider:   "anthropic",
		Model:      "claude",
		Usage:      diag.Usage{Input: event.Int64(100), Output: event.Int64(0)},
		CostUSD:    event.Float64(0.5),
	})
	bus.Publish(diag.Event{Type: "session.state"})
	require.NoError(t, svc.Stop(stopCtx(t)))
	require.Equal(t, 0, bus.Subscribers())

	bus.Publish(diag.Event{Type: diag.TypeModelUsage})

	recs := readRecords(t, path)
	require.Len(t, recs, 1)
	rec := recs[0]
	require.Equal(t, "llm.usage", rec["type"])
	require.Equal(t, "main", rec["sessionKey"])
	require.EqualValues(t, 100, rec["inputTokens"])
	require.EqualValues(t, 0, rec["outputTokens"])
	require.NotContains(t, rec, "cacheTokens")
	require.EqualValues(t, 0.5, rec["costUsd"])
}

func TestSyslogShipping(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	port := pc.LocalAddr().(*net.UDPAddr).Port

	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	svc := startService(t, Config{
		Enabled:  true,
		FilePath: path,
		Syslog:   syslog.Config{Enabled: true, Host: "127.0.0.1", Port: port, Format: syslog.FormatNameJSON},
	}, StartOptions{})
	svc.Write(&event.MessageOut{Channel: "slack", To: "bob", Success: false, Error: "timeout"})

	buf := make([]byte, 8192)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	require.NoError(t, svc.Stop(stopCtx(t)))

	msg := string(buf[:n])
	require.True(t, strings.HasPrefix(msg, "<131>1 "), msg)
	require.Contains(t, msg, " - openclaw - message.out - {")

	body := msg[strings.Index(msg, "{"):]
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &rec))
	require.EqualValues(t, 1, rec["seq"])
	require.Equal(t, "timeout", rec["error"])
}

func TestWriteAfterStopIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	svc := startService(t, Config{Enabled: true, FilePath: path}, StartOptions{})
	svc.Write(&event.AgentStart{})
	require.NoError(t, svc.Stop(stopCtx(t)))
	require.NoError(t, svc.Stop(stopCtx(t)))

	svc.Write(&event.AgentStart{})
	svc.Write(nil)
	require.Len(t, readRecords(t, path), 1)
	require.EqualValues(t, 1, svc.Seq())
}

func TestFixedClockStampsTS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	at := time.UnixMilli(1700000000123)
	svc := startService(t, Config{Enabled: true, FilePath: path}, StartOptions{Now: func() time.Time { return at }})
	svc.Write(&event.AgentStart{Header: event.Header{TS: 42, Seq: 99}})
	require.NoError(t, svc.Stop(stopCtx(t)))

	recs := readRecords(t, path)
	require.Len(t, recs, 1)
	require.EqualValues(t, 1700000000123, recs[0]["ts"])
	require.EqualValues(t, 1, recs[0]["seq"])
}

func TestRedactionKeepsDecodedNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	svc := startService(t, Config{
		Enabled:  true,
		FilePath: path,
		Redact:   redact.Config{Enabled: true, Patterns: []string{`\d{16}`}},
	}, StartOptions{})

	e, err := event.Decode([]byte(`{"type":"tool.start","toolName":"pay","params":{"amount":4111111111111111}}`))
	require.NoError(t, err)
	svc.Write(e)
	require.NoError(t, svc.Stop(stopCtx(t)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"amount":4111111111111111`)
	require.EqualValues(t, 1, svc.Seq())
}

func TestUnserializableEventLeavesNoSeqGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	svc := startService(t, Config{
		Enabled:  true,
		FilePath: path,
		Redact:   redact.Config{Enabled: true},
	}, StartOptions{})

	loop := map[string]any{"k": "v"}
	loop["self"] = loop
	svc.Write(&event.AgentStart{PromptLength: 1})
	svc.Write(&event.ToolEnd{ToolName: "bash", Success: true, Result: loop})
	svc.Write(&event.AgentEnd{Success: true})
	require.NoError(t, svc.Stop(stopCtx(t)))

	recs := readRecords(t, path)
	require.Len(t, recs, 2)
	require.Equal(t, "agent.start", recs[0]["type"])
	require.Equal(t, "agent.end", recs[1]["type"])
	require.EqualValues(t, 1, recs[0]["seq"])
	require.EqualValues(t, 2, recs[1]["seq"])
	require.EqualValues(t, 2, svc.Seq())
}
