// Package eventlog implements the append-only UI event log: a durable,
// human-auditable JSONL record of everything pushed to a conversation's UI,
// sharded by conversation id and periodically compacted in place.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"goa.design/mcpl/internal/observability"
	"goa.design/mcpl/telemetry"
)

const (
	// CompactAtBytes triggers compaction once a shard file grows past this
	// size.
	CompactAtBytes = 50 * 1024
	// CompactAtWrites triggers compaction once a shard has accumulated this
	// many appends since its last compaction, regardless of size.
	CompactAtWrites = 500
)

// Event is a single immutable entry appended to a conversation's log.
type Event struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

// shardState tracks how many events have been appended to a shard file since
// it was last compacted, so the write-count trigger doesn't require an fstat
// on every append.
type shardState struct {
	writesSinceCompact int
}

// Log is a directory of sharded, append-only JSONL files. Conversation ids
// are mapped to a shard by their first 4 characters, spreading writes
// across many small files instead of one monolithic log.
type Log struct {
	mu     sync.Mutex
	dir    string
	shards map[string]*shardState
	obs    *observability.Recorder
}

// New constructs a Log rooted at dir, which must already exist.
func New(dir string, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Log {
	return &Log{
		dir:    dir,
		shards: make(map[string]*shardState),
		obs:    observability.New("eventlog", logger, metrics, tracer),
	}
}

// ShardKey returns the 4 hex character shard prefix for a conversation id.
// Conversation ids are expected to be lowercase hex-prefixed identifiers
// (e.g. uuids); when id is shorter than 4 characters it is padded with '0'.
func ShardKey(conversationID string) string {
	id := conversationID
	for len(id) < 4 {
		id += "0"
	}
	return id[:4]
}

func (l *Log) shardPath(conversationID string) string {
	return filepath.Join(l.dir, ShardKey(conversationID)+".jsonl")
}

// Append writes ev to its shard, flushing immediately so the log is durable
// across process restarts. It triggers compaction when the shard crosses
// either size or write-count thresholds.
func (l *Log) Append(ctx context.Context, ev Event) error {
	path := l.shardPath(ev.ConversationID)

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.obs.Log(ctx, observability.Event{Operation: "append", Subject: ev.ConversationID, Outcome: observability.OutcomeError, Error: err.Error()})
		return fmt.Errorf("eventlog: open shard: %w", err)
	}
	defer f.Close()

	buf, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}
	if _, err := f.Write(append(buf, '\n')); err != nil {
		return fmt.Errorf("eventlog: write event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("eventlog: sync shard: %w", err)
	}

	key := ShardKey(ev.ConversationID)
	st := l.shards[key]
	if st == nil {
		st = &shardState{}
		l.shards[key] = st
	}
	st.writesSinceCompact++

	shouldCompact := st.writesSinceCompact >= CompactAtWrites
	if !shouldCompact {
		if info, statErr := f.Stat(); statErr == nil && info.Size() >= CompactAtBytes {
			shouldCompact = true
		}
	}
	if shouldCompact {
		if err := l.compactLocked(ctx, key); err != nil {
			l.obs.Log(ctx, observability.Event{Operation: "compact", Subject: key, Outcome: observability.OutcomeError, Error: err.Error()})
			return nil // compaction failure is non-fatal to the append that triggered it
		}
		st.writesSinceCompact = 0
	}
	return nil
}

// Read returns every event in conversationID's shard, oldest first.
func (l *Log) Read(ctx context.Context, conversationID string) ([]Event, error) {
	path := l.shardPath(conversationID)

	l.mu.Lock()
	defer l.mu.Unlock()

	return readShard(path, conversationID)
}

func readShard(path, conversationID string) ([]Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: open shard: %w", err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // skip a corrupt line rather than fail the whole read
		}
		if conversationID != "" && ev.ConversationID != conversationID {
			continue
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}

// compactLocked rewrites a shard with every event that reads back from it
// (only lines that fail to parse are dropped; UI history is kept in full),
// via an atomic tmp-file rename. The previous
// shard contents are preserved as a .bak file so a crash mid-rename never
// loses data.
func (l *Log) compactLocked(ctx context.Context, shardKey string) error {
	path := filepath.Join(l.dir, shardKey+".jsonl")
	events, err := readShard(path, "")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: create compaction tmp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, ev := range events {
		buf, err := json.Marshal(ev)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("eventlog: marshal during compaction: %w", err)
		}
		if _, err := w.Write(append(buf, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("eventlog: write during compaction: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("eventlog: flush compaction tmp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("eventlog: sync compaction tmp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("eventlog: close compaction tmp file: %w", err)
	}

	bakPath := path + ".bak"
	os.Remove(bakPath) // best effort; a stale .bak from a prior crash is disposable
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, bakPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("eventlog: back up shard before compaction: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		// Roll back: restore the original shard from its backup.
		if rbErr := os.Rename(bakPath, path); rbErr != nil {
			l.obs.Log(ctx, observability.Event{Operation: "compact_rollback", Subject: shardKey, Outcome: observability.OutcomeError, Error: rbErr.Error()})
		}
		return fmt.Errorf("eventlog: rename compacted shard into place: %w", err)
	}
	os.Remove(bakPath)
	l.obs.Log(ctx, observability.Event{Operation: "compact", Subject: shardKey, Outcome: observability.OutcomeSuccess, Count: len(events)})
	return nil
}
