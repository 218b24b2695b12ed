// Package schedule emits the cron entries the external OS scheduler uses
// to drive hostback. The engine never self-schedules; this package only
// renders and installs an /etc/cron.d file with the canonical cadence.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hostback/hostback/internal/execctx"
)

// CronDPath is where Install writes the scheduler file on the execution
// target.
const CronDPath = "/etc/cron.d/hostback"

// Entry is one scheduled invocation of a hostback subcommand.
type Entry struct {
	// Spec is a five-field cron expression.
	Spec    string
	User    string
	Command string
}

// parser accepts the standard five-field crontab syntax used by cron.d.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks the entry's cron expression.
func (e Entry) Validate() error {
	if _, err := parser.Parse(e.Spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", e.Spec, err)
	}
	return nil
}

// Next returns the entry's next n firing times after from.
func (e Entry) Next(from time.Time, n int) ([]time.Time, error) {
	sched, err := parser.Parse(e.Spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", e.Spec, err)
	}
	times := make([]time.Time, 0, n)
	at := from
	for i := 0; i < n; i++ {
		at = sched.Next(at)
		times = append(times, at)
	}
	return times, nil
}

// Plan is the full set of entries hostback installs.
type Plan struct {
	Binary  string
	DestDir string
	User    string
}

// Entries returns the canonical cadence: tiered backups at night,
// retention afterwards, the health check last.
func (p Plan) Entries() []Entry {
	bin := p.Binary
	if bin == "" {
		bin = "/usr/local/bin/hostback"
	}
	user := p.User
	if user == "" {
		user = "root"
	}

	cmd := func(sub string, args ...string) string {
		parts := append([]string{bin, sub}, args...)
		return strings.Join(parts, " ")
	}
	dest := []string{"--dest", p.DestDir}

	return []Entry{
		{Spec: "0 2 * * *", User: user, Command: cmd("backup", append([]string{"--tier", "daily"}, dest...)...)},
		{Spec: "0 1 * * 0", User: user, Command: cmd("backup", append([]string{"--tier", "weekly"}, dest...)...)},
		{Spec: "0 0 1 * *", User: user, Command: cmd("backup", append([]string{"--tier", "monthly"}, dest...)...)},
		{Spec: "30 2 * * *", User: user, Command: cmd("prune", append([]string{"--tier", "daily"}, dest...)...)},
		{Spec: "0 3 * * *", User: user, Command: cmd("health", append([]string{"--tier", "daily"}, dest...)...)},
	}
}

// Render produces the cron.d file body. Every entry is validated first;
// a file with an unparseable line would silently disable the scheduler.
func (p Plan) Render() (string, error) {
	var b strings.Builder
	b.WriteString("# hostback backup schedule\n")
	b.WriteString("SHELL=/bin/sh\n")
	b.WriteString("PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin\n\n")

	for _, entry := range p.Entries() {
		if err := entry.Validate(); err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s %s %s\n", entry.Spec, entry.User, entry.Command)
	}
	return b.String(), nil
}

// Install writes the rendered schedule to /etc/cron.d on the execution
// target.
func (p Plan) Install(exec execctx.Executor) error {
	content, err := p.Render()
	if err != nil {
		return err
	}
	if err := exec.WriteFile(CronDPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", CronDPath, err)
	}
	return nil
}
