package store

import (
	"crypto/md5"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("event not found")

// Event is the metadata record consulted to build a stream request: does the
// event exist, how many frames does it hold, at what rate was it recorded.
type Event struct {
	Id        uint64
	MonitorId uint32
	Name      string
	Frames    int
	Fps       float64
	Duration  time.Duration
	Views     uint64
}

type Store struct {
	sync.Mutex
	databaseFolder string
}

// New opens the file-backed metadata store. Each event is one gob-encoded
// file named by the md5 of its id, so lookups never scan the directory.
func New(databaseRoot string) (*Store, error) {
	err := os.MkdirAll(databaseRoot, 0o744)
	if err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", databaseRoot, err)
	}
	return &Store{databaseFolder: databaseRoot}, nil
}

func (s *Store) GetEvent(id uint64) (*Event, error) {
	s.Lock()
	defer s.Unlock()
	return s.readEvent(id)
}

func (s *Store) UpsertEvent(event *Event) error {
	s.Lock()
	defer s.Unlock()
	return s.writeEvent(event)
}

// BumpViews increments the event's view counter, creating nothing: counting
// views of a missing event is a caller bug surfaced as ErrNotFound.
func (s *Store) BumpViews(id uint64) error {
	s.Lock()
	defer s.Unlock()

	event, err := s.readEvent(id)
	if err != nil {
		return err
	}
	event.Views++
	return s.writeEvent(event)
}

func (s *Store) ListEvents() ([]*Event, error) {
	s.Lock()
	defer s.Unlock()

	dir, err := os.ReadDir(s.databaseFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to list database directory content: %w", err)
	}

	var events []*Event
	for _, entry := range dir {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zm") {
			continue
		}
		file, err := os.Open(path.Join(s.databaseFolder, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s: %w", entry.Name(), err)
		}
		var event Event
		err = gob.NewDecoder(file).Decode(&event)
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal database entry %s: %w", entry.Name(), err)
		}
		events = append(events, &event)
	}

	return events, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) filename(id uint64) string {
	hash := md5.New()
	hash.Write([]byte(strconv.FormatUint(id, 10)))
	return path.Join(s.databaseFolder, hex.EncodeToString(hash.Sum(nil))+".zm")
}

func (s *Store) readEvent(id uint64) (*Event, error) {
	file, err := os.Open(s.filename(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open event file %d: %w", id, err)
	}

	var event Event
	err = gob.NewDecoder(file).Decode(&event)
	_ = file.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to decode database result: %w", err)
	}
	return &event, nil
}

func (s *Store) writeEvent(event *Event) error {
	file, err := os.OpenFile(s.filename(event.Id), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o744)
	if err != nil {
		return fmt.Errorf("failed to open database file for writing: %w", err)
	}
	err = gob.NewEncoder(file).Encode(event)
	_ = file.Close()
	if err != nil {
		return fmt.Errorf("failed to write event to file: %w", err)
	}
	return nil
}
