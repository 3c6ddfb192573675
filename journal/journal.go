package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"fenrir/infra/sequence"
)

// State is the outbox delivery state of one event.
type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

// meta encoding: [state:1][retries:4][lastAttempt:8]
type meta struct {
	state       State
	retries     uint32
	lastAttempt int64
}

const metaLen = 1 + 4 + 8

func encodeValue(m meta, ev Event) []byte {
	buf := make([]byte, metaLen)
	buf[0] = byte(m.state)
	binary.BigEndian.PutUint32(buf[1:5], m.retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(m.lastAttempt))
	return append(buf, Encode(ev)...)
}

func decodeValue(b []byte) (meta, Event, error) {
	if len(b) < metaLen {
		return meta{}, Event{}, ErrCorruptRecord
	}
	m := meta{
		state:       State(b[0]),
		retries:     binary.BigEndian.Uint32(b[1:5]),
		lastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
	}
	ev, err := Decode(b[metaLen:])
	return m, ev, err
}

// Journal is a pebble-backed event outbox. Appends are synchronous
// writes; the database WAL carries durability.
type Journal struct {
	db  *pebble.DB
	seq *sequence.Sequencer
}

// Open opens or creates the journal at dir and resumes the sequence
// counter past the highest stored key.
func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false,
	})
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db, seq: sequence.New(0)}
	last, err := j.lastSeq()
	if err != nil {
		db.Close()
		return nil, err
	}
	j.seq.Reset(last)
	return j, nil
}

func (j *Journal) lastSeq() (uint64, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("event/"),
		UpperBound: []byte("event/~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores an event in state NEW and returns its sequence.
func (j *Journal) Append(ev Event) (uint64, error) {
	ev.Seq = j.seq.Next()
	val := encodeValue(meta{state: StateNew}, ev)
	if err := j.db.Set(keyFor(ev.Seq), val, pebble.Sync); err != nil {
		return 0, err
	}
	return ev.Seq, nil
}

// MarkSent transitions an event to SENT and bumps its retry count.
func (j *Journal) MarkSent(seq uint64, nowNS int64) error {
	return j.transition(seq, StateSent, nowNS)
}

// MarkAcked transitions an event to ACKED.
func (j *Journal) MarkAcked(seq uint64, nowNS int64) error {
	return j.transition(seq, StateAcked, nowNS)
}

func (j *Journal) transition(seq uint64, to State, nowNS int64) error {
	key := keyFor(seq)
	val, closer, err := j.db.Get(key)
	if err != nil {
		return err
	}
	m, ev, err := decodeValue(val)
	closer.Close()
	if err != nil {
		return err
	}
	m.state = to
	m.lastAttempt = nowNS
	if to == StateSent {
		m.retries++
	}
	return j.db.Set(key, encodeValue(m, ev), pebble.Sync)
}

// Delete removes an event, normally after ack.
func (j *Journal) Delete(seq uint64) error {
	return j.db.Delete(keyFor(seq), pebble.Sync)
}

// Get returns one event with its delivery state and retry count.
func (j *Journal) Get(seq uint64) (Event, State, uint32, error) {
	val, closer, err := j.db.Get(keyFor(seq))
	if err != nil {
		return Event{}, StateNew, 0, err
	}
	defer closer.Close()
	m, ev, err := decodeValue(val)
	if err != nil {
		return Event{}, StateNew, 0, err
	}
	return ev, m.state, m.retries, nil
}

// ScanPending iterates events not yet ACKED in sequence order. A SENT
// event reappears here so an unconfirmed send is retried.
func (j *Journal) ScanPending(fn func(ev Event, state State) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("event/"),
		UpperBound: []byte("event/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		m, ev, err := decodeValue(iter.Value())
		if err != nil {
			return err
		}
		if m.state == StateAcked {
			continue
		}
		if err := fn(ev, m.state); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Compact deletes every ACKED event and returns how many were removed.
func (j *Journal) Compact() (int, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("event/"),
		UpperBound: []byte("event/~"),
	})
	if err != nil {
		return 0, err
	}
	var acked [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		m, _, err := decodeValue(iter.Value())
		if err != nil {
			iter.Close()
			return 0, err
		}
		if m.state == StateAcked {
			key := make([]byte, len(iter.Key()))
			copy(key, iter.Key())
			acked = append(acked, key)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	for _, key := range acked {
		if err := j.db.Delete(key, pebble.Sync); err != nil {
			return 0, err
		}
	}
	return len(acked), nil
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("event/%020d", seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte("event/"))), "%d", &seq)
	return seq, err
}
