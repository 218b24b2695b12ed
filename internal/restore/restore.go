// Package restore rebuilds volumes and host configuration from a backup
// run. Every restore walks an explicit state machine whose confirmation
// gate is a structural precondition: no destructive step can run before
// an operator's affirmative answer.
package restore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/docker"
	"github.com/hostback/hostback/internal/execctx"
)

// State is the orchestrator's position in the restore lifecycle.
type State string

const (
	StateIdle             State = "idle"
	StateSourceSelected   State = "source_selected"
	StateCategorySelected State = "category_selected"
	StateConfirmed        State = "confirmed"
	StateRestoring        State = "restoring"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// Category selects what to restore from a run.
type Category string

const (
	CategoryVolumes Category = "volumes"
	CategoryCompose Category = "compose_config"
	CategorySystem  Category = "system_config"
	CategoryHome    Category = "home_config"
	CategoryCron    Category = "scheduled_jobs"
	CategoryAll     Category = "all"
)

// ParseCategory validates a category name from CLI input.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryVolumes, CategoryCompose, CategorySystem, CategoryHome, CategoryCron, CategoryAll:
		return Category(s), nil
	default:
		return "", fmt.Errorf("invalid restore category %q", s)
	}
}

// allCategories is the expansion order for an "all" restore. System
// configuration goes last: it is the highest-blast-radius target and a
// failure there should not prevent the lower-risk categories.
var allCategories = []Category{CategoryVolumes, CategoryCompose, CategoryHome, CategoryCron, CategorySystem}

var (
	// ErrNotConfirmed is returned when the operator declines the
	// confirmation prompt. The filesystem is untouched in that case.
	ErrNotConfirmed = errors.New("restore not confirmed")

	// ErrBadState is returned for out-of-order state transitions.
	ErrBadState = errors.New("invalid restore state transition")
)

// Selection is the ephemeral per-invocation restore choice.
type Selection struct {
	SourceDir string
	Category  Category
	Confirmed bool
}

// StepResult records one restored item's outcome.
type StepResult struct {
	Category Category
	Item     string
	Skipped  bool
	Detail   string
	Err      error
}

// OK reports whether the step neither failed nor was skipped.
func (r StepResult) OK() bool { return r.Err == nil && !r.Skipped }

// Orchestrator drives one restore invocation.
type Orchestrator struct {
	exec   execctx.Executor
	docker *docker.DockerClient
	logger zerolog.Logger

	// Live targets; overridable for tests.
	AppsRoot   string
	TraefikDir string
	EtcDir     string
	HomeDir    string

	// PreRestoreRoot receives the timestamped safety snapshot taken
	// before a system configuration restore.
	PreRestoreRoot string

	// CrontabBinary is the crontab executable on the execution target.
	CrontabBinary string

	// Confirm asks the operator for an explicit yes. Defaults to an
	// interactive [y/N] prompt with no default-yes.
	Confirm func(prompt string) (bool, error)

	state     State
	selection Selection
	now       func() time.Time
}

// NewOrchestrator creates an idle orchestrator. preRestoreRoot is where
// safety snapshots land, typically <destination root>/pre-restore.
func NewOrchestrator(exec execctx.Executor, dcli *docker.DockerClient, appsRoot, traefikDir, homeDir, preRestoreRoot string, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		exec:           exec,
		docker:         dcli,
		logger:         logger.With().Str("component", "restore").Logger(),
		AppsRoot:       appsRoot,
		TraefikDir:     traefikDir,
		EtcDir:         "/etc",
		HomeDir:        homeDir,
		PreRestoreRoot: preRestoreRoot,
		CrontabBinary:  "crontab",
		Confirm:        StdinConfirm,
		state:          StateIdle,
		now:            time.Now,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.state }

// Selection returns the current selection.
func (o *Orchestrator) Selection() Selection { return o.selection }

// SelectSource points the orchestrator at a run directory. The directory
// must exist and be non-empty; anything else is fatal before any
// destructive action.
func (o *Orchestrator) SelectSource(sourceDir string) error {
	if o.state != StateIdle {
		return fmt.Errorf("%w: select source in state %s", ErrBadState, o.state)
	}

	entries, err := o.exec.ReadDir(sourceDir)
	if err != nil {
		return fmt.Errorf("restore source %s: %w", sourceDir, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("restore source %s is empty", sourceDir)
	}

	o.selection.SourceDir = sourceDir
	o.state = StateSourceSelected
	o.logger.Info().Str("source", sourceDir).Msg("Restore source selected")
	return nil
}

// SelectCategory chooses what to restore.
func (o *Orchestrator) SelectCategory(category Category) error {
	if o.state != StateSourceSelected {
		return fmt.Errorf("%w: select category in state %s", ErrBadState, o.state)
	}
	o.selection.Category = category
	o.state = StateCategorySelected
	return nil
}

// RequestConfirmation asks the operator to approve the destructive part.
// A declined prompt leaves the filesystem untouched and the error tells
// the caller nothing was done.
func (o *Orchestrator) RequestConfirmation() error {
	if o.state != StateCategorySelected {
		return fmt.Errorf("%w: confirm in state %s", ErrBadState, o.state)
	}

	prompt := fmt.Sprintf("Restore %s from %s? This overwrites current data",
		o.selection.Category, path.Base(o.selection.SourceDir))
	ok, err := o.Confirm(prompt)
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if !ok {
		return ErrNotConfirmed
	}

	o.selection.Confirmed = true
	o.state = StateConfirmed
	return nil
}

// Run executes the confirmed restore. One category's failure is reported
// and does not stop the remaining categories of an "all" pass; nothing
// is rolled back.
func (o *Orchestrator) Run(ctx context.Context) ([]StepResult, error) {
	if o.state != StateConfirmed {
		return nil, fmt.Errorf("%w: run in state %s", ErrBadState, o.state)
	}
	o.state = StateRestoring

	categories := []Category{o.selection.Category}
	if o.selection.Category == CategoryAll {
		categories = allCategories
	}

	var results []StepResult
	for _, category := range categories {
		if err := ctx.Err(); err != nil {
			o.state = StateFailed
			return results, fmt.Errorf("restore aborted: %w", err)
		}
		results = append(results, o.restoreCategory(ctx, category)...)
	}

	o.state = StateDone
	for _, r := range results {
		if r.Err != nil {
			o.state = StateFailed
			break
		}
	}

	o.logger.Info().
		Str("state", string(o.state)).
		Int("steps", len(results)).
		Msg("Restore finished; dependent services likely need a restart")
	return results, nil
}

func (o *Orchestrator) restoreCategory(ctx context.Context, category Category) []StepResult {
	log := o.logger.With().Str("category", string(category)).Logger()
	log.Info().Msg("Restoring category")

	switch category {
	case CategoryVolumes:
		return o.restoreVolumes(ctx)
	case CategoryCompose:
		return o.restoreCompose(ctx)
	case CategoryHome:
		return o.restoreHome(ctx)
	case CategoryCron:
		return o.restoreCron(ctx)
	case CategorySystem:
		return o.restoreSystem(ctx)
	default:
		return []StepResult{{Category: category, Item: string(category), Err: fmt.Errorf("unknown category %q", category)}}
	}
}

// StdinConfirm is the default interactive confirmation: an explicit "y"
// or "yes" is required, anything else declines.
func StdinConfirm(prompt string) (bool, error) {
	return ReadConfirm(prompt, defaultStdin, defaultStderr)
}

// menuCategories is the numbered order PromptCategory presents.
var menuCategories = []Category{CategoryVolumes, CategoryCompose, CategorySystem, CategoryHome, CategoryCron, CategoryAll}

// PromptCategory shows a numbered category menu on out and reads the
// operator's selection from in.
func PromptCategory(in io.Reader, out io.Writer) (Category, error) {
	fmt.Fprintln(out, "Select restore category:")
	for i, category := range menuCategories {
		fmt.Fprintf(out, "  %d) %s\n", i+1, category)
	}
	fmt.Fprint(out, "Choice: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && strings.TrimSpace(line) == "" {
		return "", fmt.Errorf("read selection: %w", err)
	}
	input := strings.TrimSpace(line)
	choice, err := strconv.Atoi(input)
	if err != nil || choice < 1 || choice > len(menuCategories) {
		return "", fmt.Errorf("invalid selection %q", input)
	}
	return menuCategories[choice-1], nil
}

// ReadConfirm prints a [y/N] prompt to out and reads one line from in.
func ReadConfirm(prompt string, in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
