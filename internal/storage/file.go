package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "pacebot/pkg/logx"
)

// fileStore appends JSON Lines:
//   - <prefix>.outcomes.jsonl (one line per message)
//   - <prefix>.runs.jsonl     (one line per run)
type fileStore struct {
	log logx.Logger

	mu       sync.Mutex
	outcomes *os.File
	runs     *os.File
}

// FilePaths returns the outcome and run files used for path.
func FilePaths(path string) (outcomes, runs string) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)
	return prefix + ".outcomes.jsonl", prefix + ".runs.jsonl"
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("report.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	outPath, runPath := FilePaths(path)

	of, err := os.OpenFile(outPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	rf, err := os.OpenFile(runPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = of.Close()
		return nil, err
	}
	log.Debug("file report store opened", logx.String("outcomes", outPath), logx.String("runs", runPath))
	return &fileStore{log: log, outcomes: of, runs: rf}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.outcomes != nil {
		errs = append(errs, s.outcomes.Close())
		s.outcomes = nil
	}
	if s.runs != nil {
		errs = append(errs, s.runs.Close())
		s.runs = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendOutcome(ctx context.Context, o OutcomeRecord) error {
	return s.appendLine(ctx, func() *os.File { return s.outcomes }, o)
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	return s.appendLine(ctx, func() *os.File { return s.runs }, r)
}

func (s *fileStore) appendLine(ctx context.Context, file func() *os.File, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := file()
	if f == nil {
		return ErrClosed
	}
	// one write per line keeps concurrent readers from seeing half a record
	_, err = f.Write(append(b, '\n'))
	return err
}
