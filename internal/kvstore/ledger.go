package kvstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/examgate/proctor-control-plane/internal/model"
)

var errStopIter = errors.New("stop")

func eventKey(seq int64) string {
	return fmt.Sprintf("%s%020d", prefixEvent, seq)
}

// index keys sort by timestamp first so reads come back in time order;
// the sequence suffix keeps insertion order for equal timestamps.
func eventIndexKey(prefix, owner string, ev model.Event) string {
	return fmt.Sprintf("%s%s/%020d/%020d", prefix, owner, ev.CreatedAt.UnixNano(), ev.Seq)
}

func (s *Store) Append(_ context.Context, ev model.Event) (model.Event, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		ev, err = s.appendTxn(txn, ev)
		return err
	})
	if err != nil {
		return model.Event{}, storageErr("append event", err)
	}
	return ev, nil
}

func (s *Store) appendTxn(txn *badger.Txn, ev model.Event) (model.Event, error) {
	n, err := s.seq.Next()
	if err != nil {
		return ev, err
	}
	// badger sequences start at zero
	ev.Seq = int64(n) + 1
	if err := setJSON(txn, eventKey(ev.Seq), ev); err != nil {
		return ev, err
	}
	ref := []byte(strconv.FormatInt(ev.Seq, 10))
	if err := txn.Set([]byte(eventIndexKey(prefixEventSession, ev.SessionID, ev)), ref); err != nil {
		return ev, err
	}
	if err := txn.Set([]byte(eventIndexKey(prefixEventExam, ev.ExamID, ev)), ref); err != nil {
		return ev, err
	}
	return ev, nil
}

// Query streams matching events in (timestamp, seq) order. The read
// transaction stays open until iteration ends.
func (s *Store) Query(_ context.Context, q model.EventQuery) iter.Seq2[model.Event, error] {
	return func(yield func(model.Event, error) bool) {
		var prefix string
		switch {
		case q.SessionID != "":
			prefix = prefixEventSession + q.SessionID + "/"
		case q.ExamID != "":
			prefix = prefixEventExam + q.ExamID + "/"
		default:
			yield(model.Event{}, errors.New("event query needs a session or exam id"))
			return
		}
		seek := prefix
		if !q.Since.IsZero() {
			seek = fmt.Sprintf("%s%020d", prefix, q.Since.UnixNano())
		}

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(prefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			n := 0
			for it.Seek([]byte(seek)); it.ValidForPrefix([]byte(prefix)); it.Next() {
				ref, err := it.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				seq, err := strconv.ParseInt(string(ref), 10, 64)
				if err != nil {
					return err
				}
				if seq <= q.AfterSeq {
					continue
				}
				var ev model.Event
				if err := getJSON(txn, eventKey(seq), &ev); err != nil {
					return err
				}
				if !yield(ev, nil) {
					return errStopIter
				}
				n++
				if q.Limit > 0 && n >= q.Limit {
					return errStopIter
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopIter) {
			yield(model.Event{}, storageErr("query events", err))
		}
	}
}

// LatestEventsByExam returns the most recent event per session.
func (s *Store) LatestEventsByExam(_ context.Context, examID string) (map[string]model.Event, error) {
	out := make(map[string]model.Event)
	prefix := prefixEventExam + examID + "/"
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix, func(item *badger.Item) error {
			ref, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			seq, err := strconv.ParseInt(string(ref), 10, 64)
			if err != nil {
				return err
			}
			var ev model.Event
			if err := getJSON(txn, eventKey(seq), &ev); err != nil {
				return err
			}
			out[ev.SessionID] = ev
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("latest events", err)
	}
	return out, nil
}
