// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/nvallin/proctorly/internal/logging"
	"github.com/nvallin/proctorly/internal/metrics"
	"github.com/nvallin/proctorly/internal/models"
	"github.com/nvallin/proctorly/internal/retry"
)

// Key prefixes for BadgerDB storage.
const (
	sessionKeyPrefix = "session:"
	answerKeyPrefix  = "answer:"
)

// DefaultWritePolicy bounds retries for conflicting writes: three attempts
// with linearly increasing backoff.
var DefaultWritePolicy = retry.Policy{Attempts: 3, Backoff: 100 * time.Millisecond}

// BadgerStore implements SessionStore on an embedded BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	policy retry.Policy
}

// NewBadgerStore creates a session store on an open Badger database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, policy: DefaultWritePolicy}
}

// NewBadgerStoreWithPolicy creates a session store with a custom write
// retry policy. Used by tests to shrink backoff delays.
func NewBadgerStoreWithPolicy(db *badger.DB, policy retry.Policy) *BadgerStore {
	return &BadgerStore{db: db, policy: policy}
}

// Ping verifies the database accepts reads. Used by the readiness probe.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("store is closed")
	}
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(sessionKey("__ping__"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

func answerKey(sessionID, questionID string) []byte {
	return []byte(answerKeyPrefix + sessionID + ":" + questionID)
}

func answerPrefix(sessionID string) []byte {
	return []byte(answerKeyPrefix + sessionID + ":")
}

// InsertSession creates the session header record. Any answers present on
// the session are written as individual answer records.
func (s *BadgerStore) InsertSession(ctx context.Context, sess *models.Session) error {
	header := *sess
	header.Answers = nil

	headerData, err := json.Marshal(&header)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return s.write(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(sessionKey(sess.ID), headerData); err != nil {
			return fmt.Errorf("set session: %w", err)
		}
		for qid := range sess.Answers {
			ans := sess.Answers[qid]
			data, err := json.Marshal(&ans)
			if err != nil {
				return retry.Permanent(fmt.Errorf("marshal answer: %w", err))
			}
			if err := txn.Set(answerKey(sess.ID, qid), data); err != nil {
				return fmt.Errorf("set answer: %w", err)
			}
		}
		return nil
	})
}

// GetSession returns the full session, assembled from the header record and
// the answer records under its prefix.
func (s *BadgerStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		}); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}

		sess.Answers = make(map[string]models.Answer)
		prefix := answerPrefix(id)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			qid := string(item.Key()[len(prefix):])
			var ans models.Answer
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ans)
			}); err != nil {
				return fmt.Errorf("decode answer %s: %w", qid, err)
			}
			sess.Answers[qid] = ans
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetOwnedSession returns the session only if it is owned by userID.
func (s *BadgerStore) GetOwnedSession(ctx context.Context, id, userID string) (*models.Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// UpsertAnswer writes one answer record and marks the session in progress.
// Only the answer's own key and the session header are touched; sibling
// answer records are left alone.
func (s *BadgerStore) UpsertAnswer(ctx context.Context, sessionID, questionID string, ans models.Answer) error {
	data, err := json.Marshal(&ans)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}

	return s.write(ctx, func(txn *badger.Txn) error {
		header, err := getHeader(txn, sessionID)
		if err != nil {
			return err
		}
		if err := txn.Set(answerKey(sessionID, questionID), data); err != nil {
			return fmt.Errorf("set answer: %w", err)
		}
		if header.Status == models.SessionStatusCreated {
			header.Status = models.SessionStatusInProgress
			if err := putHeader(txn, header); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateAnswer applies mutate to exactly one answer record inside a
// transaction. Conflicting concurrent writes are retried per the store's
// write policy; mutate runs again on each retry against the freshly read
// answer.
func (s *BadgerStore) UpdateAnswer(ctx context.Context, sessionID, questionID string, mutate func(*models.Answer) error) error {
	return s.write(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(answerKey(sessionID, questionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return retry.Permanent(ErrAnswerNotFound)
		}
		if err != nil {
			return fmt.Errorf("get answer: %w", err)
		}

		var ans models.Answer
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ans)
		}); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}

		if err := mutate(&ans); err != nil {
			return retry.Permanent(err)
		}

		data, err := json.Marshal(&ans)
		if err != nil {
			return retry.Permanent(fmt.Errorf("marshal answer: %w", err))
		}
		return txn.Set(answerKey(sessionID, questionID), data)
	})
}

// UpdateSession applies mutate to the session header record. Answer records
// are not visible to mutate and are never touched.
func (s *BadgerStore) UpdateSession(ctx context.Context, sessionID string, mutate func(*models.Session) error) error {
	return s.write(ctx, func(txn *badger.Txn) error {
		header, err := getHeader(txn, sessionID)
		if err != nil {
			return err
		}
		if err := mutate(header); err != nil {
			return retry.Permanent(err)
		}
		header.Answers = nil
		return putHeader(txn, header)
	})
}

// write runs fn in an update transaction, retrying transaction conflicts
// with the store's bounded backoff policy.
func (s *BadgerStore) write(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return retry.Do(ctx, s.policy, func() error {
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			metrics.StoreWriteConflicts.Inc()
			logging.Ctx(ctx).Debug().Msg("store write conflict, retrying")
		}
		return err
	})
}

func getHeader(txn *badger.Txn, sessionID string) (*models.Session, error) {
	item, err := txn.Get(sessionKey(sessionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, retry.Permanent(ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var header models.Session
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &header)
	}); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &header, nil
}

func putHeader(txn *badger.Txn, header *models.Session) error {
	data, err := json.Marshal(header)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal session: %w", err))
	}
	if err := txn.Set(sessionKey(header.ID), data); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}
