package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// maxStoredEvents bounds the ring: once the bucket holds this many
// entries, the oldest is dropped on every insert, matching
// `pg_autoctl show events`'s fixed-size local history rather than
// keeping an unbounded log.
const maxStoredEvents = 500

var eventsBucket = []byte("events")

// Store persists events to a bbolt database so `show events` survives
// a restart. It subscribes to a Broker and writes every event it
// receives; it never blocks Publish since the broker already drops
// events for a full subscriber channel.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the events database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open events store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create events bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes event to the store, trimming the oldest entry first if
// the bucket is already at capacity.
func (s *Store) Append(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)

		if b.Stats().KeyN >= maxStoredEvents {
			c := b.Cursor()
			if k, _ := c.First(); k != nil {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
}

// Follow subscribes to broker and persists every event it publishes
// until stop is closed.
func (s *Store) Follow(broker *Broker, stop <-chan struct{}) {
	sub := broker.Subscribe()
	go func() {
		defer broker.Unsubscribe(sub)
		for {
			select {
			case event, ok := <-sub:
				if !ok {
					return
				}
				_ = s.Append(event)
			case <-stop:
				return
			}
		}
	}()
}

// List returns up to limit of the most recent events, newest last. A
// limit of 0 returns every stored event.
func (s *Store) List(limit int) ([]*Event, error) {
	var out []*Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal event: %w", err)
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
