package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/examgate/proctor-control-plane/internal/model"
)

func (s *Store) UpsertExams(_ context.Context, exams []model.Exam) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, e := range exams {
			if err := setJSON(txn, prefixExam+e.ID, e); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr("upsert exams", err)
}

func (s *Store) GetExam(_ context.Context, examID string) (*model.Exam, error) {
	var e model.Exam
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixExam+examID, &e)
	})
	if err != nil {
		return nil, storageErr("get exam", err)
	}
	return &e, nil
}

func uxKey(userID, examID string) string {
	return prefixSessionUX + userID + "/" + examID
}

// CreateSession inserts a new session. A session for the same
// (user, exam) pair already present yields model.ErrConflict.
func (s *Store) CreateSession(_ context.Context, sess model.Session) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := getString(txn, uxKey(sess.UserID, sess.ExamID))
		if err == nil {
			return model.ErrConflict
		}
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if err := txn.Set([]byte(uxKey(sess.UserID, sess.ExamID)), []byte(sess.ID)); err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixSessionExam+sess.ExamID+"/"+sess.ID), nil); err != nil {
			return err
		}
		return setJSON(txn, prefixSession+sess.ID, sess)
	})
	if errors.Is(err, badger.ErrConflict) {
		err = model.ErrConflict
	}
	return storageErr("create session", err)
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	var sess model.Session
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixSession+sessionID, &sess)
	})
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return &sess, nil
}

func (s *Store) FindSession(_ context.Context, userID, examID string) (*model.Session, error) {
	var out *model.Session
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, uxKey(userID, examID))
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var sess model.Session
		if err := getJSON(txn, prefixSession+id, &sess); err != nil {
			return err
		}
		out = &sess
		return nil
	})
	if err != nil {
		return nil, storageErr("find session", err)
	}
	return out, nil
}

// FindHoldingSession returns the user's session that currently owns a
// machine, if any.
func (s *Store) FindHoldingSession(_ context.Context, userID string) (*model.Session, error) {
	var out *model.Session
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixSessionUX+userID+"/", func(item *badger.Item) error {
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var sess model.Session
			if err := getJSON(txn, prefixSession+string(id), &sess); err != nil {
				return err
			}
			if sess.State.Holding() && out == nil {
				out = &sess
			}
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("find holding session", err)
	}
	return out, nil
}

func (s *Store) ListSessionsByExam(_ context.Context, examID string) ([]model.Session, error) {
	out := make([]model.Session, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := prefixSessionExam + examID + "/"
		return scan(txn, prefix, func(item *badger.Item) error {
			id := strings.TrimPrefix(string(item.Key()), prefix)
			var sess model.Session
			if err := getJSON(txn, prefixSession+id, &sess); err != nil {
				return err
			}
			out = append(out, sess)
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListOverdueSessions(_ context.Context, now time.Time) ([]model.Session, error) {
	var out []model.Session
	err := s.db.View(func(txn *badger.Txn) error {
		all, err := listSessionsTxn(txn, prefixSession)
		if err != nil {
			return err
		}
		for _, sess := range all {
			if sess.DeadlinePassed(now) {
				out = append(out, sess)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list overdue sessions", err)
	}
	return out, nil
}

func listSessionsTxn(txn *badger.Txn, prefix string) ([]model.Session, error) {
	var out []model.Session
	err := scan(txn, prefix, func(item *badger.Item) error {
		var sess model.Session
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &sess) }); err != nil {
			return err
		}
		out = append(out, sess)
		return nil
	})
	return out, err
}

// CommitTransition stores the new session state and appends its event in
// one transaction. It fails with model.ErrConflict when the stored state
// is no longer t.From.
func (s *Store) CommitTransition(_ context.Context, t model.Transition) (model.Event, error) {
	ev := t.Event
	err := s.db.Update(func(txn *badger.Txn) error {
		var curr model.Session
		if err := getJSON(txn, prefixSession+t.Session.ID, &curr); err != nil {
			return err
		}
		if curr.State != t.From {
			return model.ErrConflict
		}
		if err := setJSON(txn, prefixSession+t.Session.ID, t.Session); err != nil {
			return err
		}
		var err error
		ev, err = s.appendTxn(txn, ev)
		return err
	})
	if errors.Is(err, badger.ErrConflict) {
		err = model.ErrConflict
	}
	if err != nil {
		return model.Event{}, storageErr("commit transition", err)
	}
	return ev, nil
}
