package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tagsync/internal/dispatch"
	logx "tagsync/pkg/logx"
)

// fileStore persists subscriptions and deliveries as plain files.
//
// Files:
//   - <prefix>.deliveries.jsonl    (append-only JSON Lines)
//   - <prefix>.subs.snapshot.json  (periodic snapshot)
//   - <prefix>.subs.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	deliveryFile *os.File

	snapshotPath string
	journalFile  *os.File
	subs         *subIndex

	journalWrites int
}

const compactEvery = 1000

type journalRecord struct {
	Op  string       `json:"op"` // "add" | "del"
	Sub Subscription `json:"sub"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	deliveryPath := prefix + ".deliveries.jsonl"
	snapPath := prefix + ".subs.snapshot.json"
	journalPath := prefix + ".subs.journal.jsonl"

	df, err := os.OpenFile(deliveryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	subs := newSubIndex()
	if err := loadSnapshot(snapPath, subs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("subscription snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, subs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("subscription journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	log.Debug("file storage opened", logx.String("prefix", prefix))
	return &fileStore{
		log:          log,
		deliveryFile: df,
		snapshotPath: snapPath,
		journalFile:  jf,
		subs:         subs,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	errCompact := s.compactLocked()
	errJournal := s.journalFile.Close()
	errDeliveries := s.deliveryFile.Close()
	s.journalFile = nil
	s.deliveryFile = nil
	return errors.Join(errCompact, errJournal, errDeliveries)
}

func (s *fileStore) SubscribedRegistrationIDs(ctx context.Context, tag dispatch.Tag) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrDisabled
	}
	return s.subs.ids(tag.Name()), nil
}

func (s *fileStore) Subscribe(ctx context.Context, tag dispatch.Tag, registrationID string) error {
	_ = ctx
	t, id, err := validSubscription(tag, registrationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrDisabled
	}
	sub := Subscription{Tag: t, RegistrationID: id, CreatedAt: time.Now().UTC()}
	if !s.subs.add(sub) {
		return nil
	}
	return s.journalLocked(journalRecord{Op: "add", Sub: sub})
}

func (s *fileStore) Unsubscribe(ctx context.Context, tag dispatch.Tag, registrationID string) error {
	_ = ctx
	t, id, err := validSubscription(tag, registrationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrDisabled
	}
	if !s.subs.remove(t, id) {
		return nil
	}
	return s.journalLocked(journalRecord{Op: "del", Sub: Subscription{Tag: t, RegistrationID: id}})
}

func (s *fileStore) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	_ = ctx
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.deliveryFile).Encode(rec)
}

func (s *fileStore) journalLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("subscription compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	all := s.subs.all()
	sort.SliceStable(all, func(i, j int) bool { return all[i].Tag < all[j].Tag })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(all); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, into *subIndex) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []Subscription
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, sub := range list {
		into.add(sub)
	}
	return nil
}

func replayJournal(path string, into *subIndex) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Sub.Tag == "" || r.Sub.RegistrationID == "" {
			continue
		}
		switch r.Op {
		case "add":
			into.add(r.Sub)
		case "del":
			into.remove(r.Sub.Tag, r.Sub.RegistrationID)
		}
	}
	return sc.Err()
}
