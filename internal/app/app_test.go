package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killfeed/killfeed/internal/config"
	"github.com/killfeed/killfeed/internal/logging"
)

const (
	killerID = "76561198000000001"
	victimID = "76561198000000002"
)

func killLine(sec int) string {
	return fmt.Sprintf("2025.04.30-00.16.%02d;Goki;%s;Rex;%s;AK-47;112.5;PS5;XSX\n", sec, killerID, victimID)
}

func testConfig(t *testing.T, logPath string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.Sources = []config.SourceConfig{{
		ID:           "s1",
		Kind:         config.SourceLocal,
		Path:         logPath,
		PollInterval: 50 * time.Millisecond,
		PollTimeout:  time.Second,
	}}
	return cfg
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	for _, l := range lines {
		_, err = f.WriteString(l)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

// start runs a in the background and returns a wait func that yields Run's
// result. The app is cancelled at cleanup if the test has not stopped it.
func start(t *testing.T, cfg *config.Config) (*App, func() error) {
	t.Helper()
	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	var runErr error
	go func() {
		runErr = a.Run(ctx)
		close(exited)
	}()
	wait := func() error {
		select {
		case <-exited:
			return runErr
		case <-time.After(10 * time.Second):
			return fmt.Errorf("app did not stop")
		}
	}
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, wait())
	})

	select {
	case <-a.Ready():
	case <-exited:
		t.Fatalf("app exited before ready: %v", runErr)
	case <-time.After(5 * time.Second):
		t.Fatal("app not ready")
	}
	return a, wait
}

func getJSON(t *testing.T, a *App, path string, v any) int {
	t.Helper()
	resp, err := http.Get("http://" + a.HTTPAddr().String() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func balanceOf(t *testing.T, a *App, player string) int64 {
	var body struct {
		Account struct {
			Balance int64 `json:"balance"`
		} `json:"account"`
	}
	if getJSON(t, a, "/v1/players/"+player, &body) != http.StatusOK {
		return -1
	}
	return body.Account.Balance
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Mode = "staging"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestRun_KillsReachTheEconomy(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "deathlog.csv")
	appendLines(t, logPath, killLine(1), killLine(2))

	cfg := testConfig(t, logPath)
	a, _ := start(t, cfg)
	reward := cfg.Economy.KillReward

	require.Eventually(t, func() bool {
		return balanceOf(t, a, killerID) == 2*reward
	}, 5*time.Second, 20*time.Millisecond)

	appendLines(t, logPath, killLine(3))
	require.Eventually(t, func() bool {
		return balanceOf(t, a, killerID) == 3*reward
	}, 5*time.Second, 20*time.Millisecond)

	var sources []struct {
		SourceID string `json:"source_id"`
		State    string `json:"state"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, a, "/v1/sources", &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, "s1", sources[0].SourceID)
	assert.NotEqual(t, "halted", sources[0].State)
}

func TestRun_BadSourceHaltsAlone(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "deathlog.csv")
	appendLines(t, logPath, killLine(1))

	cfg := testConfig(t, logPath)
	cfg.Sources = append(cfg.Sources, config.SourceConfig{
		ID:           "broken",
		Kind:         config.SourceSFTP,
		Host:         "example.invalid",
		Path:         "/logs/x.csv",
		PollInterval: time.Second,
		PollTimeout:  time.Second,
	})
	a, _ := start(t, cfg)

	require.Eventually(t, func() bool {
		return balanceOf(t, a, killerID) == cfg.Economy.KillReward
	}, 5*time.Second, 20*time.Millisecond)

	var sources []struct {
		SourceID string `json:"source_id"`
		State    string `json:"state"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, a, "/v1/sources", &sources))
	states := map[string]string{}
	for _, s := range sources {
		states[s.SourceID] = s.State
	}
	assert.Equal(t, "halted", states["broken"])
	assert.NotEqual(t, "halted", states["s1"])
}

func TestRun_StopReturns(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "deathlog.csv")
	appendLines(t, logPath, killLine(1))
	a, wait := start(t, testConfig(t, logPath))

	a.Stop()
	assert.NoError(t, wait())
}

func TestReplay_RebuildsFromArchive(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "deathlog.csv")
	appendLines(t, logPath, killLine(1), killLine(2))
	archiveDir := t.TempDir()

	cfg := testConfig(t, logPath)
	cfg.Archive.Enabled = true
	cfg.Archive.Path = archiveDir
	a, wait := start(t, cfg)
	require.Eventually(t, func() bool {
		return balanceOf(t, a, killerID) == 2*cfg.Economy.KillReward
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		chunks, _ := filepath.Glob(filepath.Join(archiveDir, "sources", "s1", "*.chunk"))
		return len(chunks) > 0
	}, 5*time.Second, 20*time.Millisecond)
	a.Stop()
	require.NoError(t, wait())

	fresh := testConfig(t, logPath)
	fresh.Archive.Enabled = true
	fresh.Archive.Path = archiveDir
	b, err := New(fresh, logging.Discard())
	require.NoError(t, err)
	n, err := b.Replay(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
