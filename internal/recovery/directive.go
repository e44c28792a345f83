package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DirectiveFile is the name of the restore directive written into every
// recovery workspace.
const DirectiveFile = "recovery.conf"

// Target actions once the recovery target is reached.
const (
	ActionPromote  = "promote"
	ActionPause    = "pause"
	ActionShutdown = "shutdown"
)

// Directive tells the restore tool where to stop replaying change-log
// segments and what to do afterwards.
type Directive struct {
	RestoreCommand string
	TargetTime     time.Time
	TargetLSN      string
	TargetXID      string
	TargetAction   string
	Inclusive      bool
}

// NewDirective builds a directive that replays segments from segmentDir up
// to the target.
func NewDirective(segmentDir string, target time.Time, lsn, xid string) Directive {
	return Directive{
		RestoreCommand: fmt.Sprintf("cp %s %%p", filepath.Join(segmentDir, "%f")),
		TargetTime:     target,
		TargetLSN:      lsn,
		TargetXID:      xid,
		TargetAction:   ActionPromote,
		Inclusive:      true,
	}
}

// Render produces the directive in PostgreSQL configuration syntax. LSN and
// transaction id targets take precedence over the time target.
func (d Directive) Render() string {
	var b strings.Builder
	kv := func(k, v string) {
		fmt.Fprintf(&b, "%s = '%s'\n", k, strings.ReplaceAll(v, "'", "''"))
	}
	if d.RestoreCommand != "" {
		kv("restore_command", d.RestoreCommand)
	}
	switch {
	case d.TargetLSN != "":
		kv("recovery_target_lsn", d.TargetLSN)
	case d.TargetXID != "":
		kv("recovery_target_xid", d.TargetXID)
	case !d.TargetTime.IsZero():
		kv("recovery_target_time", d.TargetTime.UTC().Format("2006-01-02 15:04:05.000000-07"))
	}
	if !d.Inclusive {
		kv("recovery_target_inclusive", "false")
	}
	action := d.TargetAction
	if action == "" {
		action = ActionPromote
	}
	kv("recovery_target_action", action)
	return b.String()
}

// WriteFile writes the rendered directive into dir and returns its path.
func (d Directive) WriteFile(dir string) (string, error) {
	path := filepath.Join(dir, DirectiveFile)
	if err := os.WriteFile(path, []byte(d.Render()), 0600); err != nil {
		return "", fmt.Errorf("recovery: write directive: %w", err)
	}
	return path, nil
}
