package tool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/conductor/internal/identifier"
)

const (
	// DefaultMaxLines is the line threshold above which output is truncated.
	DefaultMaxLines = 2000
	// DefaultMaxBytes is the byte threshold above which output is truncated.
	DefaultMaxBytes = 50 * 1024
	// DefaultRetention is how long spilled output files are kept.
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultSweepSchedule runs the retention sweep once an hour.
	DefaultSweepSchedule = "@hourly"
)

// Direction selects which end of the output the preview keeps.
type Direction string

const (
	Head Direction = "head"
	Tail Direction = "tail"
)

// TruncateOptions overrides the truncator defaults for one call. Zero values
// fall back to the defaults.
type TruncateOptions struct {
	MaxLines  int
	MaxBytes  int
	Direction Direction
}

// merge returns o with zero fields taken from fallback.
func (o TruncateOptions) merge(fallback TruncateOptions) TruncateOptions {
	if o.MaxLines <= 0 {
		o.MaxLines = fallback.MaxLines
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = fallback.MaxBytes
	}
	if o.Direction == "" {
		o.Direction = fallback.Direction
	}
	return o
}

// Truncated is the result of Truncator.Output.
type Truncated struct {
	Content    string
	Truncated  bool
	OutputPath string

	// Preview is the kept slice of the original output.
	Preview string
}

// Truncator spills oversized output to files under Dir.
type Truncator struct {
	Dir       string
	MaxLines  int
	MaxBytes  int
	Retention time.Duration

	now    func() time.Time
	logger *slog.Logger
}

// NewTruncator creates a truncator with the default limits.
func NewTruncator(dir string, logger *slog.Logger) *Truncator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Truncator{
		Dir:       dir,
		MaxLines:  DefaultMaxLines,
		MaxBytes:  DefaultMaxBytes,
		Retention: DefaultRetention,
		now:       time.Now,
		logger:    logger.With("component", "truncation"),
	}
}

func (t *Truncator) defaults() TruncateOptions {
	opts := TruncateOptions{MaxLines: t.MaxLines, MaxBytes: t.MaxBytes, Direction: Head}
	if opts.MaxLines <= 0 {
		opts.MaxLines = DefaultMaxLines
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return opts
}

// Output returns text unchanged when it fits within the limits. Otherwise the
// full text is written to a new file and a preview with a recovery hint is
// returned. The preview never exceeds the line or byte limit.
func (t *Truncator) Output(text string, opts TruncateOptions, hasTaskTool bool) (*Truncated, error) {
	opts = opts.merge(t.defaults())

	lines := strings.Split(text, "\n")
	totalBytes := len(text)
	if len(lines) <= opts.MaxLines && totalBytes <= opts.MaxBytes {
		return &Truncated{Content: text, Preview: text}, nil
	}

	var (
		kept     []string
		bytes    int
		hitBytes bool
	)
	if opts.Direction == Tail {
		for i := len(lines) - 1; i >= 0 && len(kept) < opts.MaxLines; i-- {
			size := len(lines[i])
			if len(kept) > 0 {
				size++
			}
			if bytes+size > opts.MaxBytes {
				hitBytes = true
				break
			}
			kept = append(kept, lines[i])
			bytes += size
		}
		for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
			kept[i], kept[j] = kept[j], kept[i]
		}
	} else {
		for i := 0; i < len(lines) && i < opts.MaxLines; i++ {
			size := len(lines[i])
			if i > 0 {
				size++
			}
			if bytes+size > opts.MaxBytes {
				hitBytes = true
				break
			}
			kept = append(kept, lines[i])
			bytes += size
		}
	}

	removed, unit := len(lines)-len(kept), "lines"
	if hitBytes {
		removed, unit = totalBytes-bytes, "bytes"
	}
	preview := strings.Join(kept, "\n")

	path, err := t.write(text)
	if err != nil {
		return nil, err
	}

	hint := fmt.Sprintf("The tool call succeeded but the output was truncated. Full output saved to: %s\n", path)
	if hasTaskTool {
		hint += "Use the Task tool to delegate file exploration. Do NOT read the full file yourself - delegate to save context."
	} else {
		hint += "Use Grep to search the full content or Read with offset/limit to view specific sections."
	}

	marker := fmt.Sprintf("...%d %s truncated...", removed, unit)
	var content string
	if opts.Direction == Tail {
		content = marker + "\n\n" + hint + "\n\n" + preview
	} else {
		content = preview + "\n\n" + marker + "\n\n" + hint
	}

	return &Truncated{
		Content:    content,
		Truncated:  true,
		OutputPath: path,
		Preview:    preview,
	}, nil
}

func (t *Truncator) write(text string) (string, error) {
	if err := os.MkdirAll(t.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create tool output dir: %w", err)
	}
	path := filepath.Join(t.Dir, identifier.Ascending(identifier.ToolOutput))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write tool output: %w", err)
	}
	return path, nil
}

// Sweep deletes spilled output files older than the retention period and
// returns how many were removed.
func (t *Truncator) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(t.Dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read tool output dir: %w", err)
	}

	retention := t.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := t.now().Add(-retention)

	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || !identifier.HasPrefix(name, identifier.ToolOutput) {
			continue
		}
		created, err := identifier.Timestamp(name)
		if err != nil || !created.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(t.Dir, name)); err != nil && !os.IsNotExist(err) {
			t.logger.Warn("remove expired tool output failed", "file", name, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		t.logger.Info("swept expired tool output", "removed", removed)
	}
	return removed, nil
}

var sweepParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule checks a sweep schedule. Standard five-field expressions,
// an optional leading seconds field and descriptors such as @hourly are
// accepted.
func ParseSchedule(schedule string) error {
	_, err := sweepParser.Parse(schedule)
	return err
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	cron      *cron.Cron
	truncator *Truncator
}

// NewSweeper schedules the retention sweep. An empty schedule uses
// DefaultSweepSchedule.
func NewSweeper(t *Truncator, schedule string) (*Sweeper, error) {
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultSweepSchedule
	}
	c := cron.New(cron.WithParser(sweepParser))
	_, err := c.AddFunc(schedule, func() {
		if _, err := t.Sweep(context.Background()); err != nil {
			t.logger.Warn("tool output sweep failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{cron: c, truncator: t}, nil
}

// Start runs one sweep immediately and then follows the schedule.
func (s *Sweeper) Start(ctx context.Context) {
	if _, err := s.truncator.Sweep(ctx); err != nil {
		s.truncator.logger.Warn("initial tool output sweep failed", "error", err)
	}
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
