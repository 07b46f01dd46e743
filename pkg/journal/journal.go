// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package journal implements the debug message journal: a badgerhold-backed
// capture of packet traffic that operators toggle at runtime with the
// @Debug@ system message. Stage state itself is never persisted; the journal
// only records envelopes.
package journal

import (
	"os"
	"path"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"
)

const dirBadger string = "db"

// DefaultRetention is the number of entries kept before the oldest are
// scrubbed.
const DefaultRetention = 10000

// Direction of a journaled packet relative to this node.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Entry is one captured packet envelope. Payloads are not stored, only their
// size.
type Entry struct {
	Seq uint64 `badgerhold:"key"`

	At        time.Time
	Direction string
	NodeId    string
	MsgId     string
	MsgSeq    uint16
	StageId   int64
	ErrorCode uint16
	Size      int
}

// Journal captures packet envelopes while enabled. Recording while disabled
// is a cheap no-op; toggling is atomic.
type Journal struct {
	bh *badgerhold.Store

	enabled   uint32
	seq       uint64
	retention uint64
}

// Open creates or reopens a Journal under the given directory. A retention of
// zero selects DefaultRetention.
func Open(dir string, retention uint64) (*Journal, error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		return nil, dirErr
	}

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}

	if retention == 0 {
		retention = DefaultRetention
	}

	journal := &Journal{
		bh:        bh,
		retention: retention,
	}
	journal.seq = journal.lastSeq()

	return journal, nil
}

func (journal *Journal) lastSeq() uint64 {
	var entries []Entry
	if err := journal.bh.Find(&entries, badgerhold.Where("Seq").Ge(uint64(0)).SortBy("Seq").Reverse().Limit(1)); err != nil || len(entries) == 0 {
		return 0
	}
	return entries[0].Seq
}

// Enabled reports whether capture is active.
func (journal *Journal) Enabled() bool {
	return atomic.LoadUint32(&journal.enabled) != 0
}

// SetEnabled switches capture on or off.
func (journal *Journal) SetEnabled(enabled bool) {
	var v uint32
	if enabled {
		v = 1
	}
	atomic.StoreUint32(&journal.enabled, v)

	log.WithField("enabled", enabled).Info("Debug journal toggled")
}

// Toggle flips capture and returns the new state.
func (journal *Journal) Toggle() bool {
	next := !journal.Enabled()
	journal.SetEnabled(next)
	return next
}

// Record captures one envelope if the journal is enabled.
func (journal *Journal) Record(entry Entry) {
	if !journal.Enabled() {
		return
	}

	entry.Seq = atomic.AddUint64(&journal.seq, 1)
	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	if err := journal.bh.Insert(entry.Seq, entry); err != nil {
		log.WithError(err).Warn("Debug journal failed to insert entry")
		return
	}

	// Scrub old entries in batches, not on every insert.
	if entry.Seq%256 == 0 && entry.Seq > journal.retention {
		horizon := entry.Seq - journal.retention
		if err := journal.bh.DeleteMatching(Entry{}, badgerhold.Where("Seq").Lt(horizon)); err != nil {
			log.WithError(err).Warn("Debug journal failed to scrub old entries")
		}
	}
}

// Recent returns up to limit entries, newest first.
func (journal *Journal) Recent(limit int) (entries []Entry, err error) {
	err = journal.bh.Find(&entries,
		badgerhold.Where("Seq").Ge(uint64(0)).SortBy("Seq").Reverse().Limit(limit))
	return
}

// Close the Journal. It must not be used afterwards.
func (journal *Journal) Close() error {
	return journal.bh.Close()
}
