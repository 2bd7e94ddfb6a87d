package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/internal/logging"
	"github.com/fortisil/popeye/internal/pipeline"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Tail derives events from the files of a project's work directory: new
// lines of the store's entry log and new entries of the state history.
type Tail struct {
	entriesPath string
	state       *pipeline.StateFile

	offset int64
	runID  string
	seen   int
	status pipeline.Status
}

// NewTail creates a Tail positioned at the start of the run.
func NewTail(layout pipeline.Layout) *Tail {
	return &Tail{
		entriesPath: filepath.Join(layout.StoreDir(), store.EntriesFile),
		state:       pipeline.NewStateFile(layout.StatePath()),
	}
}

// Poll returns the events recorded since the previous call, oldest first.
func (t *Tail) Poll() ([]events.Event, error) {
	out, err := t.pollEntries()
	if err != nil {
		return nil, err
	}
	fromState, err := t.pollState()
	if err != nil {
		return out, err
	}
	out = append(out, fromState...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Halted reports whether the last observed run has stopped.
func (t *Tail) Halted() bool {
	return t.status != "" && t.status != pipeline.StatusRunning
}

func (t *Tail) pollEntries() ([]events.Event, error) {
	f, err := os.Open(t.entriesPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.offset = 0
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open entry log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat entry log: %w", err)
	}
	if info.Size() < t.offset {
		t.offset = 0
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek entry log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry log: %w", err)
	}

	// A trailing partial line is picked up by the next poll.
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	t.offset += int64(end + 1)

	var out []events.Event
	for _, line := range bytes.Split(data[:end], []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e artifact.ArtifactEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		ref := e.Ref()
		out = append(out, events.Event{
			Kind:      events.KindArtifactCreated,
			RunID:     t.runID,
			Phase:     e.Phase,
			Artifact:  &ref,
			Timestamp: e.Timestamp,
		})
	}
	return out, nil
}

func (t *Tail) pollState() ([]events.Event, error) {
	st, err := t.state.Load()
	if errors.Is(err, pipeline.ErrNoState) {
		t.runID, t.seen, t.status = "", 0, ""
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if st.RunID != t.runID {
		t.runID, t.seen, t.status = st.RunID, 0, ""
	}

	var out []events.Event
	if t.seen > len(st.History) {
		t.seen = len(st.History)
	}
	for _, tr := range st.History[t.seen:] {
		out = append(out, events.Event{
			Kind:      events.KindPhaseTransition,
			RunID:     st.RunID,
			From:      tr.From,
			To:        tr.To,
			Message:   tr.Reason,
			Timestamp: tr.Timestamp,
		})
	}
	t.seen = len(st.History)

	if st.Status != t.status {
		t.status = st.Status
		if st.Terminal() || st.Status == pipeline.StatusCancelled {
			out = append(out, events.Event{
				Kind:      events.KindPipelineHalted,
				RunID:     st.RunID,
				Phase:     st.CurrentPhase,
				Status:    string(st.Status),
				Message:   st.LastError,
				Timestamp: st.UpdatedAt,
			})
		}
	}
	return out, nil
}

// TailLocal prints the activity of the project at layout by watching its work
// directory with fsnotify. It needs no event bus, so it works for any run.
func TailLocal(ctx context.Context, layout pipeline.Layout, opts Options, w io.Writer) error {
	formatter, err := NewFormatter(opts.Format, w)
	if err != nil {
		return err
	}
	logger := logging.Component(opts.Logger, "watch")

	if err := os.MkdirAll(layout.StoreDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range []string{layout.Dir(), layout.StoreDir()} {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	tail := NewTail(layout)
	past, err := tail.Poll()
	if err != nil {
		logging.Warn(logger, "watch_poll_failed", zap.Error(err))
	}
	if opts.Replay >= 0 && len(past) > opts.Replay {
		past = past[len(past)-opts.Replay:]
	}
	for _, ev := range past {
		if err := formatter.Format(ev); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
	if opts.UntilHalt && tail.Halted() {
		return nil
	}

	watched := map[string]bool{store.EntriesFile: true, filepath.Base(layout.StatePath()): true}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn(logger, "watch_fs_error", zap.Error(err))
		case fe, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Base(fe.Name)] || !fe.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			evs, err := tail.Poll()
			if err != nil {
				logging.Warn(logger, "watch_poll_failed", zap.Error(err))
			}
			for _, ev := range evs {
				if err := formatter.Format(ev); err != nil {
					return fmt.Errorf("failed to write event: %w", err)
				}
			}
			if opts.UntilHalt && tail.Halted() {
				return nil
			}
		}
	}
}
