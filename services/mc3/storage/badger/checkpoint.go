// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
	"github.com/AleutianAI/AleutianMC3/services/mc3/swap"
)

// ErrNotFound is returned when no checkpoint exists for a run.
var ErrNotFound = errors.New("checkpoint not found")

const (
	checkpointPrefix = "mc3/checkpoint/"
	latestKey        = "mc3/latest"
)

// Checkpoint is the resumable state of a run after a swap round.
type Checkpoint struct {
	RunID string

	// Round is the last completed swap round (1-based).
	Round int

	// Samples[c] is the sample of chain c after Round.
	Samples []*state.Sample

	Swaps   *swap.Matrix
	Stats   swap.Stats
	SavedAt time.Time
}

// Store persists checkpoints keyed by run ID.
//
// # Thread Safety
//
// Safe for concurrent use; each call runs in its own transaction.
type Store struct {
	db *badger.DB
}

// OpenStore opens the database described by cfg.
func OpenStore(cfg Config) (*Store, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already opened database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func checkpointKey(runID string) []byte {
	return []byte(checkpointPrefix + runID)
}

// Save writes cp and marks its run as the latest.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.RunID == "" {
		return errors.New("checkpoint requires a run ID")
	}
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cp); err != nil {
		return fmt.Errorf("encoding checkpoint for run %s: %w", cp.RunID, err)
	}
	return withTxn(ctx, s.db, func(txn *badger.Txn) error {
		if err := txn.Set(checkpointKey(cp.RunID), buf.Bytes()); err != nil {
			return fmt.Errorf("storing checkpoint: %w", err)
		}
		return txn.Set([]byte(latestKey), []byte(cp.RunID))
	})
}

// Load returns the checkpoint of runID, or ErrNotFound.
func (s *Store) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	var cp *Checkpoint
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		var err error
		cp, err = get(txn, runID)
		return err
	})
	return cp, err
}

// Latest returns the most recently saved checkpoint, or ErrNotFound.
func (s *Store) Latest(ctx context.Context) (*Checkpoint, error) {
	var cp *Checkpoint
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(latestKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		runID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		cp, err = get(txn, string(runID))
		return err
	})
	return cp, err
}

// Runs lists the run IDs that have a checkpoint, in key order.
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	var out []string
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(checkpointPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), checkpointPrefix))
		}
		return nil
	})
	return out, err
}

// Delete removes the checkpoint of runID. Deleting a missing run is not
// an error.
func (s *Store) Delete(ctx context.Context, runID string) error {
	return withTxn(ctx, s.db, func(txn *badger.Txn) error {
		if err := txn.Delete(checkpointKey(runID)); err != nil {
			return err
		}
		item, err := txn.Get([]byte(latestKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		latest, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(latest) == runID {
			return txn.Delete([]byte(latestKey))
		}
		return nil
	})
}

func get(txn *badger.Txn, runID string) (*Checkpoint, error) {
	item, err := txn.Get(checkpointKey(runID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint for run %s: %w", runID, err)
	}
	var cp Checkpoint
	err = item.Value(func(val []byte) error {
		return gob.NewDecoder(bytes.NewReader(val)).Decode(&cp)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding checkpoint for run %s: %w", runID, err)
	}
	return &cp, nil
}
