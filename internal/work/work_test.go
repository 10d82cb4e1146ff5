package work

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/task/dispatch"
	logx "cronkeeper/pkg/logx"
)

func rec(data domain.DataMap) domain.FireRecord {
	return domain.FireRecord{
		ID:          "fire-9",
		TriggerKey:  domain.NewKey("t", "g"),
		WorkKey:     domain.NewKey("w", "g"),
		ScheduledAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		FiredAt:     time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
		Data:        data,
	}
}

type registrar map[string]dispatch.Work

func (r registrar) RegisterWork(kind string, w dispatch.Work, _ bool) error {
	r[kind] = w
	return nil
}

func TestRegisterBuiltins(t *testing.T) {
	r := registrar{}
	closer, err := RegisterBuiltins(r, logx.Nop())
	require.NoError(t, err)
	assert.Len(t, r, 4)
	for _, k := range []string{KindLog, KindShell, KindHTTP, KindUnit} {
		assert.Contains(t, r, k)
	}
	assert.NoError(t, closer.Close())
}

func TestLogWritesMessage(t *testing.T) {
	var buf bytes.Buffer
	w := Log{Log: logx.New(&buf, "debug")}
	require.NoError(t, w.Execute(context.Background(), rec(domain.DataMap{"message": "nightly report", "level": "warn"})))
	out := buf.String()
	assert.Contains(t, out, "nightly report")
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"trigger":"g.t"`)
}

func TestShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	ctx := context.Background()
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	err := Shell{}.Execute(ctx, rec(domain.DataMap{
		"command":      `printf '%s %s' "$GREETING" "$CRONKEEPER_FIRE_ID" > out.txt`,
		"dir":          dir,
		"env.GREETING": "hi",
	}))
	require.NoError(t, err)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hi fire-9", string(b))

	err = Shell{}.Execute(ctx, rec(domain.DataMap{"command": "echo broken >&2; exit 3"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	assert.ErrorIs(t, Shell{}.Execute(ctx, rec(nil)), ErrMissingData)
}

func TestShellHonorsContext(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	// Neither a foreground child nor a background one holding the output
	// pipe may outlive the deadline.
	for _, command := range []string{"sleep 5; echo done", "(sleep 5; echo late) & wait"} {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		start := time.Now()
		err := Shell{}.Execute(ctx, rec(domain.DataMap{"command": command}))
		cancel()
		require.Error(t, err, command)
		assert.Less(t, time.Since(start), time.Second, command)
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	var b tailBuffer
	b.Write([]byte(strings.Repeat("a", maxOutput)))
	b.Write([]byte("tail"))
	assert.Equal(t, maxOutput, len(b.String()))
	assert.True(t, strings.HasSuffix(b.String(), "tail"))
}

func TestHTTPPostsSignedPayload(t *testing.T) {
	var (
		got    Payload
		header http.Header
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewHTTP(srv.Client()).Execute(context.Background(), rec(domain.DataMap{
		"url": srv.URL, "secret": "s3", "region": "eu",
	}))
	require.NoError(t, err)
	assert.Equal(t, "fire-9", got.FireID)
	assert.Equal(t, "g.t", got.Trigger)
	assert.Equal(t, map[string]string{"region": "eu"}, got.Data, "transport keys are not echoed")
	assert.Equal(t, "fire-9", header.Get("X-Cronkeeper-Fire-ID"))
	assert.True(t, VerifySignature("s3", body, header.Get("X-Cronkeeper-Signature")))
}

func TestHTTPFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTP(nil).Execute(context.Background(), rec(domain.DataMap{"url": srv.URL, "method": "put", "body": "{}"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.ErrorIs(t, NewHTTP(nil).Execute(context.Background(), rec(nil)), ErrMissingData)
}
