// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package config holds the on-disk settings for a deadswitch installation:
// the relay set, seal-time defaults, and the logging knobs. New supplies
// defaults; Load overrides them from an ini file.
package config

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"github.com/vaughan0/go-ini"
)

// Settings is the collection of all deadswitch settings.
type Settings struct {
	// default section
	Root         string   // root directory for local switch metadata
	Relays       []string // relay URLs, comma-separated in the ini file
	RelayMaxOps  int      // bound on in-flight relay publish/query calls
	DefaultN     int      // default guardian count at seal time
	DefaultK     int      // default threshold at seal time
	GraceSeconds int64    // grace window added to a switch's interval before release

	// kdf section
	KDFIterations int // PBKDF2 iterations for passphrase-derived keys

	// log section
	LogFile    string // log filename
	TimeFormat string // debug file timestamp format
	Debug      bool   // enable debug
	Trace      bool   // enable tracing
}

var errIniNotFound = errors.New("not found")

// New returns a default settings structure: k=3, N=5, and a 3600-second
// grace window.
func New() *Settings {
	return &Settings{
		Root:         "~/.deadswitch",
		Relays:       []string{"wss://relay.damus.io", "wss://nos.lol"},
		RelayMaxOps:  8,
		DefaultN:     5,
		DefaultK:     3,
		GraceSeconds: 3600,

		KDFIterations: 600000,

		LogFile:    "~/.deadswitch/deadswitch.log",
		TimeFormat: "2006-01-02 15:04:05",
		Debug:      false,
		Trace:      false,
	}
}

// Load retrieves settings from an ini file, expanding a leading ~ to the
// current user's home directory.
func (s *Settings) Load(filename string) error {
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	usr, err := user.Current()
	if err != nil {
		return err
	}

	root, ok := cfg.Get("", "root")
	if ok {
		s.Root = root
	}
	s.Root = strings.Replace(s.Root, "~", usr.HomeDir, 1)

	relays, ok := cfg.Get("", "relays")
	if ok {
		var list []string
		for _, r := range strings.Split(relays, ",") {
			r = strings.TrimSpace(r)
			if r != "" {
				list = append(list, r)
			}
		}
		if len(list) == 0 {
			return errors.New("relays must not be empty")
		}
		s.Relays = list
	}

	maxOps, ok := cfg.Get("", "relaymaxops")
	if ok {
		v, err := strconv.Atoi(maxOps)
		if err != nil {
			return fmt.Errorf("relaymaxops invalid: %v", err)
		}
		if v < 1 {
			return fmt.Errorf("relaymaxops %v must be at least 1", v)
		}
		s.RelayMaxOps = v
	}

	n, ok := cfg.Get("", "defaultn")
	if ok {
		v, err := strconv.Atoi(n)
		if err != nil {
			return fmt.Errorf("defaultn invalid: %v", err)
		}
		s.DefaultN = v
	}

	k, ok := cfg.Get("", "defaultk")
	if ok {
		v, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("defaultk invalid: %v", err)
		}
		s.DefaultK = v
	}
	if s.DefaultK < 2 || s.DefaultK > s.DefaultN {
		return fmt.Errorf("defaultk %v must satisfy 2 <= k <= n (n=%v)", s.DefaultK, s.DefaultN)
	}

	grace, ok := cfg.Get("", "graceseconds")
	if ok {
		v, err := strconv.ParseInt(grace, 10, 64)
		if err != nil {
			return fmt.Errorf("graceseconds invalid: %v", err)
		}
		s.GraceSeconds = v
	}

	iterations, ok := cfg.Get("kdf", "iterations")
	if ok {
		v, err := strconv.Atoi(iterations)
		if err != nil {
			return fmt.Errorf("kdf iterations invalid: %v", err)
		}
		s.KDFIterations = v
	}

	logFile, ok := cfg.Get("log", "logfile")
	if ok {
		s.LogFile = logFile
	}
	s.LogFile = strings.Replace(s.LogFile, "~", usr.HomeDir, 1)

	err = iniBool(cfg, &s.Debug, "log", "debug")
	if err != nil && err != errIniNotFound {
		return err
	}

	err = iniBool(cfg, &s.Trace, "log", "trace")
	if err != nil && err != errIniNotFound {
		return err
	}

	timeFormat, ok := cfg.Get("log", "timeformat")
	if ok {
		s.TimeFormat = timeFormat
	}

	return nil
}

func iniBool(cfg ini.File, p *bool, section, key string) error {
	v, ok := cfg.Get(section, key)
	if ok {
		switch strings.ToLower(v) {
		case "yes":
			*p = true
			return nil
		case "no":
			*p = false
			return nil
		default:
			return fmt.Errorf("[%v]%v must be yes or no", section, key)
		}
	}
	return errIniNotFound
}
