// Package store persists the room directory and per-room message
// history in an embedded badger database.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
)

var ErrRoomNotFound = errors.New("room not found")

type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database under dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway database. Used by tests and the
// embedded relay.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func roomKey(id domain.RoomID) []byte {
	return []byte("room:" + string(id))
}

func messagePrefix(id domain.RoomID) []byte {
	return []byte("msg:" + string(id) + ":")
}

func messageKey(m domain.Message) []byte {
	// Timestamp-ordered keys; the message id breaks ties within one
	// nanosecond.
	return []byte(fmt.Sprintf("msg:%s:%020d:%s", m.RoomID, m.Timestamp.UnixNano(), m.ID))
}

// CreateRoom stores the room record. Existing rooms are overwritten with
// identical content, so create-or-get is a single Put.
func (s *Store) CreateRoom(room domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(roomKey(room.ID), data)
	})
}

func (s *Store) GetRoom(id domain.RoomID) (domain.Room, error) {
	var room domain.Room
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roomKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &room)
		})
	})
	return room, err
}

func (s *Store) ListRooms() ([]domain.Room, error) {
	var rooms []domain.Room
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("room:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var room domain.Room
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &room)
			})
			if err != nil {
				log.Warn().Err(err).Str("module", "relay.store").Msg("corrupt room record skipped")
				continue
			}
			rooms = append(rooms, room)
		}
		return nil
	})
	return rooms, err
}

// AppendMessage adds one entry to the room's append-only log.
func (s *Store) AppendMessage(m domain.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(m), data)
	})
}

// RecentMessages returns up to limit newest messages for the room in
// ascending timestamp order.
func (s *Store) RecentMessages(id domain.RoomID, limit int) ([]domain.Message, error) {
	var msgs []domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := messagePrefix(id)
		// Reverse iteration starts just past the prefix range.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(msgs) < limit; it.Next() {
			var m domain.Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				log.Warn().Err(err).Str("module", "relay.store").Msg("corrupt message record skipped")
				continue
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Newest-first from the iterator; flip to ascending.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
