package coordination

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"

	"github.com/comzine/acp/pkg/types/protocol"
)

const (
	sessionsDirName  = "sessions"
	sessionFileName  = "session.json"
	tableDirName     = "coordination"
	eventsFileName   = "events.jsonl"
	reportsDirName   = "reports"
	artifactsDirName = "artifacts"

	// tableKeepWindow is how many trailing table versions survive the
	// best-effort prune after a successful swap.
	tableKeepWindow = 8
)

// FSStore implements Store on the local filesystem. Each session owns a
// directory under <base>/sessions/<id>/ holding session.json, a
// coordination/ directory of immutable table documents (one per version),
// an append-only events.jsonl, and reports/ and artifacts/ collections.
//
// All single-document writes go through temp-file-then-hard-link, which is
// both crash-safe (a partial document is never visible under its final
// name) and first-writer-wins (the link fails if the name is taken). That
// one primitive yields the conditional table swap, the write-once report
// and artifact semantics, and duplicate detection, without any locks.
type FSStore struct {
	basePath string
}

// NewFSStore creates a filesystem-backed store rooted at basePath.
func NewFSStore(basePath string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(basePath, sessionsDirName), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create sessions directory")
	}

	return &FSStore{basePath: basePath}, nil
}

func (s *FSStore) sessionDir(id string) string {
	return filepath.Join(s.basePath, sessionsDirName, id)
}

// EventLogPath returns the path of the session's event log file, for
// consumers that want filesystem notifications instead of polling.
func (s *FSStore) EventLogPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), eventsFileName)
}

// writeFileOnce writes data to path atomically, failing if path already
// exists. Existence checking and creation are a single atomic step: the
// content is staged in a temp file in the same directory, then hard-linked
// to its final name.
func writeFileOnce(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".stage-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}

	return os.Link(tmpPath, path)
}

func (s *FSStore) CreateSession(ctx context.Context, meta protocol.SessionMeta) error {
	if meta.ID == "" {
		return errors.New("session id is empty")
	}

	dir := s.sessionDir(meta.ID)
	for _, sub := range []string{tableDirName, reportsDirName, artifactsDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return errors.Wrap(err, "failed to create session directory")
		}
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal session metadata")
	}
	if err := writeFileOnce(filepath.Join(dir, sessionFileName), data); err != nil {
		if os.IsExist(err) {
			return errors.Errorf("session %s already exists", meta.ID)
		}
		return errors.Wrap(err, "failed to write session metadata")
	}

	// Install the empty version-1 table so LoadTable always has a document.
	table := protocol.NewTable(meta.ID)
	return s.ReplaceTable(ctx, meta.ID, 0, table)
}

func (s *FSStore) OpenSession(_ context.Context, id string) (protocol.SessionMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), sessionFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.SessionMeta{}, errors.Wrapf(protocol.ErrNotFound, "session %s", id)
		}
		return protocol.SessionMeta{}, errors.Wrap(err, "failed to read session metadata")
	}

	var meta protocol.SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return protocol.SessionMeta{}, errors.Wrapf(err, "failed to unmarshal session %s", id)
	}
	return meta, nil
}

func (s *FSStore) ListSessions(ctx context.Context) ([]protocol.SessionMeta, error) {
	entries, err := os.ReadDir(filepath.Join(s.basePath, sessionsDirName))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions directory")
	}

	var sessions []protocol.SessionMeta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.OpenSession(ctx, entry.Name())
		if err != nil {
			// Skip half-created or foreign directories.
			continue
		}
		sessions = append(sessions, meta)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func tableDocName(version int64) string {
	return fmt.Sprintf("%08d.json", version)
}

// latestTableVersion scans the coordination directory for the
// highest-numbered document. Versions older than the keep-window are
// pruned after swaps, so a reader that loses the race to a prune must
// re-list rather than trust a stale listing.
func latestTableVersion(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	var latest int64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		version, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		if version > latest {
			latest = version
		}
	}
	return latest, nil
}

func (s *FSStore) LoadTable(_ context.Context, sessionID string) (*protocol.Table, error) {
	dir := filepath.Join(s.sessionDir(sessionID), tableDirName)

	// A listed version can disappear if writers swap past the keep-window
	// between our listing and our read; re-listing always finds a newer one.
	for attempt := 0; attempt < 3; attempt++ {
		version, err := latestTableVersion(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Wrapf(protocol.ErrNotFound, "session %s", sessionID)
			}
			return nil, errors.Wrap(err, "failed to list table documents")
		}
		if version == 0 {
			return nil, errors.Wrapf(protocol.ErrNotFound, "session %s has no table document", sessionID)
		}

		data, err := os.ReadFile(filepath.Join(dir, tableDocName(version)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrap(err, "failed to read table document")
		}

		var table protocol.Table
		if err := json.Unmarshal(data, &table); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal table version %d", version)
		}
		return &table, nil
	}
	return nil, errors.Wrapf(protocol.ErrReplaceConflict, "table for session %s kept moving past the keep-window", sessionID)
}

func (s *FSStore) ReplaceTable(_ context.Context, sessionID string, expect int64, table *protocol.Table) error {
	dir := filepath.Join(s.sessionDir(sessionID), tableDirName)

	// Cheap staleness check before staging the document. The link below is
	// the authoritative race arbiter; this only avoids pointless writes.
	current, err := latestTableVersion(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(protocol.ErrNotFound, "session %s", sessionID)
		}
		return errors.Wrap(err, "failed to list table documents")
	}
	if current != expect {
		return errors.Wrapf(protocol.ErrReplaceConflict, "expected version %d, found %d", expect, current)
	}

	next := table.Clone()
	next.SessionID = sessionID
	next.Version = expect + 1
	next.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal table")
	}

	if err := writeFileOnce(filepath.Join(dir, tableDocName(next.Version)), data); err != nil {
		if os.IsExist(err) {
			return errors.Wrapf(protocol.ErrReplaceConflict, "version %d already installed", next.Version)
		}
		return errors.Wrap(err, "failed to install table document")
	}

	pruneTableDocs(dir, next.Version)
	return nil
}

// pruneTableDocs removes table documents older than the keep-window behind
// installed. Best-effort: any error leaves the extra documents in place for
// a later swap to collect.
func pruneTableDocs(dir string, installed int64) {
	cutoff := installed - tableKeepWindow
	if cutoff <= 0 {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		version, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		if version <= cutoff {
			os.Remove(filepath.Join(dir, name))
		}
	}
}

func (s *FSStore) AppendEvent(_ context.Context, sessionID string, ev protocol.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	path := filepath.Join(s.sessionDir(sessionID), eventsFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(protocol.ErrNotFound, "session %s", sessionID)
		}
		return errors.Wrap(err, "failed to open event log")
	}
	defer f.Close()

	// One write per record keeps each append all-or-nothing under O_APPEND.
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "failed to append event")
	}
	return nil
}

func (s *FSStore) ReadEvents(ctx context.Context, sessionID string, from int64) ([]protocol.Event, int64, error) {
	path := filepath.Join(s.sessionDir(sessionID), eventsFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No appends yet; make sure the session itself exists.
			if _, serr := s.OpenSession(ctx, sessionID); serr != nil {
				return nil, 0, serr
			}
			return nil, from, nil
		}
		return nil, 0, errors.Wrap(err, "failed to open event log")
	}
	defer f.Close()

	if from > 0 {
		if _, err := f.Seek(from, io.SeekStart); err != nil {
			return nil, 0, errors.Wrap(err, "failed to seek event log")
		}
	}

	var events []protocol.Event
	cursor := from
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// An unterminated tail is an in-flight append; the next read
			// picks it up once the newline lands.
			break
		}
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to read event log")
		}

		offset := cursor
		cursor += int64(len(line))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		var ev protocol.Event
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			return nil, 0, errors.Wrapf(err, "malformed event record at offset %d", offset)
		}
		events = append(events, ev)
	}
	return events, cursor, nil
}

func (s *FSStore) WriteReport(_ context.Context, sessionID string, report *protocol.Report) error {
	if report == nil {
		return errors.New("report is nil")
	}
	if err := report.Validate(); err != nil {
		return err
	}
	if err := protocol.ValidateWorkerName(report.WorkerName); err != nil {
		return err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal report")
	}

	path := filepath.Join(s.sessionDir(sessionID), reportsDirName, report.WorkerName+".json")
	if err := writeFileOnce(path, data); err != nil {
		if os.IsExist(err) {
			return errors.Wrapf(protocol.ErrDuplicateReport, "worker %s", report.WorkerName)
		}
		if os.IsNotExist(err) {
			return errors.Wrapf(protocol.ErrNotFound, "session %s", sessionID)
		}
		return errors.Wrap(err, "failed to write report")
	}
	return nil
}

func (s *FSStore) ReadReport(_ context.Context, sessionID, workerName string) (*protocol.Report, error) {
	path := filepath.Join(s.sessionDir(sessionID), reportsDirName, workerName+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(protocol.ErrNotFound, "report for worker %s", workerName)
		}
		return nil, errors.Wrap(err, "failed to read report")
	}

	var report protocol.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal report for worker %s", workerName)
	}
	return &report, nil
}

func (s *FSStore) ReadReports(ctx context.Context, sessionID string) ([]*protocol.Report, error) {
	dir := filepath.Join(s.sessionDir(sessionID), reportsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(protocol.ErrNotFound, "session %s", sessionID)
		}
		return nil, errors.Wrap(err, "failed to list reports")
	}

	var reports []*protocol.Report
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		report, err := s.ReadReport(ctx, sessionID, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].WorkerName < reports[j].WorkerName
	})
	return reports, nil
}

func (s *FSStore) WriteArtifact(_ context.Context, sessionID, key string, doc json.RawMessage) error {
	if err := protocol.ValidateArtifactKey(key); err != nil {
		return err
	}
	if !json.Valid(doc) {
		return errors.Errorf("artifact %s is not valid JSON", key)
	}

	path := filepath.Join(s.sessionDir(sessionID), artifactsDirName, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create artifact directory")
	}
	if err := writeFileOnce(path, doc); err != nil {
		if os.IsExist(err) {
			return errors.Wrapf(protocol.ErrDuplicateArtifact, "key %s", key)
		}
		return errors.Wrap(err, "failed to write artifact")
	}
	return nil
}

func (s *FSStore) ReadArtifact(_ context.Context, sessionID, key string) (json.RawMessage, error) {
	if err := protocol.ValidateArtifactKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), artifactsDirName, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(protocol.ErrNotFound, "artifact %s", key)
		}
		return nil, errors.Wrap(err, "failed to read artifact")
	}
	return json.RawMessage(data), nil
}

func (s *FSStore) ListArtifacts(_ context.Context, sessionID, pattern string) ([]string, error) {
	root := filepath.Join(s.sessionDir(sessionID), artifactsDirName)

	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".stage-") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)

		if pattern != "" {
			match, err := doublestar.Match(pattern, key)
			if err != nil {
				return errors.Wrapf(err, "bad artifact pattern %q", pattern)
			}
			if !match {
				return nil
			}
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(protocol.ErrNotFound, "session %s", sessionID)
		}
		return nil, errors.Wrap(err, "failed to list artifacts")
	}

	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the filesystem store.
func (s *FSStore) Close() error {
	return nil
}
