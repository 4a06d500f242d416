// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package store is the local persistence layer: an ini-backed,
// file-locked table store holding one metadata record per switch. All
// cryptographic material lives on the relay network and is never written
// here. Save rotates up to maxBackups prior versions of the database
// file out of the way before overwriting it.
package store

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"sort"
	"time"

	"github.com/marcopeereboom/lockfile"
	"github.com/vaughan0/go-ini"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrCreated  = errors.New("database created")
)

// Store is a lock-guarded, ini-backed table store.
type Store struct {
	filename   string
	maxBackups int
	timeout    time.Duration

	lock  *lockfile.LockFile
	cfg   ini.File
	dirty bool
}

// New opens (or, if create is true, creates) the database at filename.
// maxBackups bounds how many rotated backups Save keeps around. New
// returns ErrCreated alongside a ready-to-use Store when it had to create
// a new, empty database file.
func New(filename string, create bool, maxBackups int) (*Store, error) {
	if filename == "" {
		return nil, errors.New("store: empty filename")
	}

	s := &Store{
		filename:   filename,
		maxBackups: maxBackups,
	}

	created := false
	_, err := os.Stat(filename)
	if err != nil {
		if !os.IsNotExist(err) || !create {
			return nil, err
		}

		if err := os.MkdirAll(path.Dir(filename), 0700); err != nil {
			return nil, err
		}
		if err := ioutil.WriteFile(filename, []byte{}, 0600); err != nil {
			return nil, err
		}

		s.cfg = make(ini.File)
		created = true
	} else {
		cfg, err := ini.LoadFile(filename)
		if err != nil {
			return nil, err
		}
		s.cfg = cfg
	}

	l, err := lockfile.New(filename+".lock", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	s.lock = l

	if created {
		return s, ErrCreated
	}
	return s, nil
}

// LockTimeout bounds how long a subsequent Lock call waits before giving
// up with lockfile.ErrTimeout.
func (s *Store) LockTimeout(d time.Duration) {
	s.timeout = d
}

// forever stands in for "no timeout" since the underlying lockfile
// implementation requires an explicit duration for every Lock call.
const forever = 100 * 365 * 24 * time.Hour

// Lock acquires the store's file lock, blocking (up to any LockTimeout)
// until it is available.
func (s *Store) Lock() error {
	if s.timeout > 0 {
		return s.lock.Lock(s.timeout)
	}
	return s.lock.Lock(forever)
}

// Unlock releases the store's file lock.
func (s *Store) Unlock() error {
	return s.lock.Unlock()
}

// NewTable creates table if it does not already exist.
func (s *Store) NewTable(table string) {
	if _, ok := s.cfg[table]; !ok {
		s.cfg[table] = make(map[string]string)
	}
	s.dirty = true
}

// Get returns the value stored at table/key.
func (s *Store) Get(table, key string) (string, error) {
	t, ok := s.cfg[table]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := t[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores value at table/key, creating table if necessary.
func (s *Store) Set(table, key, value string) error {
	if _, ok := s.cfg[table]; !ok {
		s.cfg[table] = make(map[string]string)
	}
	s.cfg[table][key] = value
	s.dirty = true
	return nil
}

// Del removes table/key. It returns ErrNotFound if the table or key does
// not exist.
func (s *Store) Del(table, key string) error {
	t, ok := s.cfg[table]
	if !ok {
		return ErrNotFound
	}
	if _, ok := t[key]; !ok {
		return ErrNotFound
	}
	delete(t, key)
	s.dirty = true
	return nil
}

// Records returns a copy of every key/value pair in table.
func (s *Store) Records(table string) map[string]string {
	out := make(map[string]string)
	t, ok := s.cfg[table]
	if !ok {
		return out
	}
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Save persists the store to disk, rotating up to maxBackups prior
// versions out of the way first.
func (s *Store) Save() error {
	if !s.dirty {
		return nil
	}

	if s.maxBackups > 0 {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	if err := writeIni(s.filename, s.cfg); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *Store) rotate() error {
	if _, err := os.Stat(s.filename); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	backup := fmt.Sprintf("%v.%v", s.filename, time.Now().UnixNano())
	data, err := ioutil.ReadFile(s.filename)
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(backup, data, 0600); err != nil {
		return err
	}

	dir := path.Dir(s.filename)
	base := path.Base(s.filename)
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return err
	}

	var backups []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > len(base)+1 && name[:len(base)+1] == base+"." {
			backups = append(backups, name)
		}
	}
	sort.Strings(backups)

	for len(backups) > s.maxBackups {
		if err := os.Remove(path.Join(dir, backups[0])); err != nil {
			return err
		}
		backups = backups[1:]
	}

	return nil
}

func writeIni(filename string, cfg ini.File) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	tables := make([]string, 0, len(cfg))
	for t := range cfg {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, t := range tables {
		if t != "" {
			if _, err := fmt.Fprintf(f, "[%v]\n", t); err != nil {
				return err
			}
		}
		keys := make([]string, 0, len(cfg[t]))
		for k := range cfg[t] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(f, "%v=%v\n", k, cfg[t][k]); err != nil {
				return err
			}
		}
	}
	return nil
}
