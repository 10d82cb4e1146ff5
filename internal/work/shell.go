package work

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"cronkeeper/internal/domain"
	logx "cronkeeper/pkg/logx"
)

const (
	// maxOutput bounds the captured output kept for logs and errors.
	maxOutput = 4 << 10
	// waitDelay bounds how long a canceled command may keep its output
	// pipes open through processes that left the group.
	waitDelay = 2 * time.Second
)

// Shell runs data["command"] with /bin/sh -c. data["dir"] sets the working
// directory and keys prefixed "env." become environment variables. The fire
// ID and trigger are exported as CRONKEEPER_FIRE_ID and CRONKEEPER_TRIGGER.
type Shell struct {
	Log   logx.Logger
	Shell string
}

func (w Shell) Execute(ctx context.Context, rec domain.FireRecord) error {
	command := strings.TrimSpace(rec.Data["command"])
	if command == "" {
		return fmt.Errorf("%w: command", ErrMissingData)
	}
	sh := w.Shell
	if sh == "" {
		sh = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, sh, "-c", command)
	ownGroup(cmd)
	cmd.WaitDelay = waitDelay
	cmd.Dir = rec.Data["dir"]
	cmd.Env = append(os.Environ(),
		"CRONKEEPER_FIRE_ID="+rec.ID,
		"CRONKEEPER_TRIGGER="+rec.TriggerKey.String(),
		"CRONKEEPER_SCHEDULED_AT="+rec.ScheduledAt.UTC().Format("2006-01-02T15:04:05Z07:00"))
	keys := make([]string, 0, len(rec.Data))
	for k := range rec.Data {
		if strings.HasPrefix(k, "env.") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, strings.TrimPrefix(k, "env.")+"="+rec.Data[k])
	}

	var out tailBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := strings.TrimSpace(out.String())
	if err != nil {
		if output != "" {
			return fmt.Errorf("%s: %w: %s", command, err, output)
		}
		return fmt.Errorf("%s: %w", command, err)
	}
	w.Log.Debug("shell work finished",
		logx.String("trigger", rec.TriggerKey.String()),
		logx.String("output", output))
	return nil
}

// tailBuffer keeps the last maxOutput bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > maxOutput {
		p = p[len(p)-maxOutput:]
	}
	if over := b.buf.Len() + len(p) - maxOutput; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return n, nil
}

func (b *tailBuffer) String() string { return b.buf.String() }
