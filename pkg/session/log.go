package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/orchestration"
)

// Turn is one completed request/response exchange. Turns are persisted as
// newline-delimited JSON records, one per line, appended in call order.
type Turn struct {
	ID         string              `json:"id"`
	RunID      string              `json:"run_id"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Input      interface{}         `json:"input"`
	Output     interface{}         `json:"output"`
	Usage      orchestration.Usage `json:"usage"`
}

// Log is an append-only conversation log backed by a JSONL file. Appends are
// serialized; each record occupies exactly one line.
type Log struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// OpenLog creates a log handle for the given path. The file and its parent
// directory are created on first append, not here.
func OpenLog(path string, logger *zap.Logger) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("log path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{path: path, logger: logger}, nil
}

// Replay reads every record from the file in order and returns the
// reconstructed turns. Malformed lines are skipped with a warning rather
// than failing the whole replay. A missing file yields no turns.
func (l *Log) Replay() ([]Turn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var t Turn
		if err := json.Unmarshal(raw, &t); err != nil {
			l.logger.Warn("Skipping malformed conversation record",
				zap.String("path", l.path),
				zap.Int("line", line),
				zap.Error(err))
			continue
		}
		turns = append(turns, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read conversation log: %w", err)
	}
	return turns, nil
}

// Append writes one turn as a single JSON line
func (l *Log) Append(turn Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal conversation record: %w", err)
	}
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create conversation log dir: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append conversation record: %w", err)
	}
	return nil
}

// Path returns the backing file path
func (l *Log) Path() string {
	return l.path
}
