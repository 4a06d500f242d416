// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// deadswitch is the operator-facing front end for the local side of a
// switch: identity management and the switch metadata store. All
// cryptographic material lives on the relay network; this binary only
// ever touches the local metadata and the operator's (encrypted)
// identity file.
package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"runtime"
	"strings"

	"github.com/deadswitch/deadswitch/cipher"
	"github.com/deadswitch/deadswitch/config"
	"github.com/deadswitch/deadswitch/debug"
	"github.com/deadswitch/deadswitch/identity"
	"github.com/deadswitch/deadswitch/kdf"
	"github.com/deadswitch/deadswitch/store"
)

const (
	identityFile = "identity.bin"
	switchesFile = "switches.ini"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: deadswitch [-cfg file] <command>\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  newidentity <name>   generate and store a new identity\n")
	fmt.Fprintf(os.Stderr, "  fingerprint          print this installation's identity\n")
	fmt.Fprintf(os.Stderr, "  list                 list known switches\n")
	os.Exit(2)
}

func _main() error {
	usr, err := user.Current()
	if err != nil {
		return fmt.Errorf("user.Current: %v", err)
	}

	filename := flag.String("cfg", usr.HomeDir+"/.deadswitch/deadswitch.conf",
		"config file")
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	settings := config.New()
	err = settings.Load(*filename)
	if err != nil && *filename != flag.Lookup("cfg").DefValue {
		return fmt.Errorf("could not read config file: %v", err)
	}
	settings.Root = strings.Replace(settings.Root, "~", usr.HomeDir, 1)
	settings.LogFile = strings.Replace(settings.LogFile, "~", usr.HomeDir, 1)
	kdf.SetIterations(settings.KDFIterations)

	if err := os.MkdirAll(settings.Root, 0700); err != nil {
		return err
	}

	dbg, err := debug.New(settings.LogFile, settings.TimeFormat+" ")
	if err != nil {
		return fmt.Errorf("could not open log file: %v", err)
	}
	// subsystem ids must line up with the ids the library packages log
	// under: relay 0, sealer 1, guardian 2, recovery 3.
	for id, name := range []string{"RELA", "SEAL", "GUAR", "RECO", "MAIN"} {
		if err := dbg.Register(id, "["+name+"] "); err != nil {
			return err
		}
	}
	if settings.Debug {
		dbg.EnableDebug()
	}
	if settings.Trace {
		dbg.EnableTrace()
	}

	switch flag.Arg(0) {
	case "newidentity":
		if flag.NArg() != 2 {
			usage()
		}
		return newIdentity(settings, flag.Arg(1))
	case "fingerprint":
		return fingerprint(settings)
	case "list":
		return list(settings)
	default:
		usage()
	}
	return nil
}

// promptPassphrase reads a passphrase from stdin. The terminal echo is
// left alone on purpose; this tool is also driven from scripts and
// expects the passphrase on a single line.
func promptPassphrase(confirm bool) (string, error) {
	r := bufio.NewReader(os.Stdin)
	fmt.Printf("passphrase: ")
	p1, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	p1 = strings.TrimRight(p1, "\r\n")
	if p1 == "" {
		return "", errors.New("empty passphrase")
	}
	if !confirm {
		return p1, nil
	}
	fmt.Printf("again: ")
	p2, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if p1 != strings.TrimRight(p2, "\r\n") {
		return "", errors.New("passphrases do not match")
	}
	return p1, nil
}

// newIdentity generates a fresh identity and writes it, encrypted under a
// passphrase-derived key, to the root directory.
func newIdentity(settings *config.Settings, name string) error {
	target := path.Join(settings.Root, identityFile)
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("identity already exists: %v", target)
	}

	passphrase, err := promptPassphrase(true)
	if err != nil {
		return err
	}

	fi, err := identity.New(name)
	if err != nil {
		return err
	}
	marshaled, err := fi.Marshal()
	if err != nil {
		return err
	}

	key, salt, err := kdf.NewKey(passphrase)
	if err != nil {
		return err
	}
	defer key.Zero()
	ck := cipher.Key(*key)
	defer ck.Zero()

	sealed, nonce, err := cipher.Encrypt(marshaled, &ck)
	if err != nil {
		return err
	}

	// salt || iterations (be32) || nonce || sealed
	out := make([]byte, 0, len(salt)+4+len(nonce)+len(sealed))
	out = append(out, salt[:]...)
	var iter [4]byte
	binary.BigEndian.PutUint32(iter[:], uint32(kdf.Iterations()))
	out = append(out, iter[:]...)
	out = append(out, nonce...)
	out = append(out, sealed...)

	if err := ioutil.WriteFile(target, out, 0600); err != nil {
		return err
	}
	fmt.Printf("%v\n", fi.Public.Fingerprint())
	return nil
}

// loadIdentity decrypts and unmarshals the stored identity.
func loadIdentity(settings *config.Settings) (*identity.FullIdentity, error) {
	raw, err := ioutil.ReadFile(path.Join(settings.Root, identityFile))
	if err != nil {
		return nil, err
	}
	if len(raw) < kdf.SaltSize+4+cipher.NonceSize {
		return nil, errors.New("identity file corrupt")
	}

	passphrase, err := promptPassphrase(false)
	if err != nil {
		return nil, err
	}

	var salt [kdf.SaltSize]byte
	copy(salt[:], raw[:kdf.SaltSize])
	iterations := int(binary.BigEndian.Uint32(raw[kdf.SaltSize : kdf.SaltSize+4]))
	nonce := raw[kdf.SaltSize+4 : kdf.SaltSize+4+cipher.NonceSize]
	sealed := raw[kdf.SaltSize+4+cipher.NonceSize:]

	key, err := kdf.Derive(passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	marshaled, err := cipher.Decrypt(sealed, key[:], nonce)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt identity: %v", err)
	}
	return identity.UnmarshalFullIdentity(marshaled)
}

func fingerprint(settings *config.Settings) error {
	fi, err := loadIdentity(settings)
	if err != nil {
		return err
	}
	fmt.Printf("%v %v\n", fi.Public.Name, fi.Public.Fingerprint())
	return nil
}

func list(settings *config.Settings) error {
	db, err := store.New(path.Join(settings.Root, switchesFile), true, 10)
	if err != nil && !errors.Is(err, store.ErrCreated) {
		return fmt.Errorf("could not open switch store: %v", err)
	}
	if err := db.Lock(); err != nil {
		return err
	}
	defer db.Unlock()

	switches, err := db.Switches()
	if err != nil {
		return err
	}
	if len(switches) == 0 {
		fmt.Println("no switches")
		return nil
	}
	for _, m := range switches {
		fmt.Printf("%v  %-10v interval %vs  k=%v/%v  %q\n",
			m.SwitchID, m.Status, m.Interval, m.K, len(m.Guardians), m.Title)
	}
	return nil
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
