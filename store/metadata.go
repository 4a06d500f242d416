// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"encoding/hex"
	"encoding/json"

	"github.com/deadswitch/deadswitch/switchstate"
)

// switchTable is the table holding one JSON-encoded Metadata record per
// switch, keyed by switch id.
const switchTable = "switches"

// GuardianRef is the persisted form of one guardian entry.
type GuardianRef struct {
	RelayPubkey    string `json:"relayPubkey"`
	EnvelopePubkey string `json:"envelopePubkey"` // hex, compressed
	Index          int    `json:"index"`
}

// RecipientRef is the persisted form of one recipient entry.
type RecipientRef struct {
	DisplayName    string `json:"displayName"`
	RelayPubkey    string `json:"relayPubkey"`
	EnvelopePubkey string `json:"envelopePubkey"` // hex, compressed
}

// Metadata is the locally persisted description of one switch: titles,
// parties, interval and status. Key material never appears here; the
// ciphertext and the shares live on the relay network, referenced by the
// published event ids.
type Metadata struct {
	SwitchID           string         `json:"switchId"`
	Owner              string         `json:"owner"`
	Title              string         `json:"title"`
	CreatedAt          int64          `json:"createdAt"`
	Interval           int64          `json:"interval"`
	Status             string         `json:"status"`
	K                  int            `json:"k"`
	Guardians          []GuardianRef  `json:"guardians"`
	Recipients         []RecipientRef `json:"recipients"`
	CiphertextEventIDs []string       `json:"ciphertextEventIds,omitempty"`
}

// PutSwitch stores (or replaces) m's record. The caller still owns
// calling Save to persist the store to disk.
func (s *Store) PutSwitch(m Metadata) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.Set(switchTable, m.SwitchID, string(raw))
}

// GetSwitch returns the record stored for switchID.
func (s *Store) GetSwitch(switchID string) (Metadata, error) {
	raw, err := s.Get(switchTable, switchID)
	if err != nil {
		return Metadata{}, err
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// DelSwitch removes switchID's record.
func (s *Store) DelSwitch(switchID string) error {
	return s.Del(switchTable, switchID)
}

// Switches returns every stored switch record.
func (s *Store) Switches() ([]Metadata, error) {
	records := s.Records(switchTable)
	out := make([]Metadata, 0, len(records))
	for _, raw := range records {
		var m Metadata
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// MetadataFromSwitch converts a live switch into its persisted form.
// createdAt is the seal time.
func MetadataFromSwitch(sw *switchstate.Switch, createdAt int64) Metadata {
	m := Metadata{
		SwitchID:  sw.ID.String(),
		Owner:     sw.Owner,
		Title:     sw.Title,
		CreatedAt: createdAt,
		Interval:  sw.Interval,
		Status:    sw.Status.String(),
		K:         sw.K,
	}
	for _, g := range sw.Guardians {
		m.Guardians = append(m.Guardians, GuardianRef{
			RelayPubkey:    g.RelayPubkey,
			EnvelopePubkey: hex.EncodeToString(g.EnvelopePubkey[:]),
			Index:          g.Index,
		})
	}
	for _, r := range sw.Recipients {
		m.Recipients = append(m.Recipients, RecipientRef{
			DisplayName:    r.DisplayName,
			RelayPubkey:    r.RelayPubkey,
			EnvelopePubkey: hex.EncodeToString(r.EnvelopePubkey[:]),
		})
	}
	if sw.Ciphertext != nil {
		m.CiphertextEventIDs = append([]string(nil), sw.Ciphertext.EventIDs...)
	}
	return m
}
