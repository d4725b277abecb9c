/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ice

import (
	"encoding/binary"

	"github.com/pion/stun/v3"
)

// ICE-specific STUN attributes per RFC 8445 §16.1. pion/stun carries the
// generic grammar; these four are ICE's own.
const (
	attrPriority       stun.AttrType = 0x0024
	attrUseCandidate   stun.AttrType = 0x0025
	attrICEControlled  stun.AttrType = 0x8029
	attrICEControlling stun.AttrType = 0x802A
)

// priorityAttr carries the PRIORITY attribute.
type priorityAttr uint32

func (p priorityAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(p))
	m.Add(attrPriority, v)
	return nil
}

func (p *priorityAttr) GetFrom(m *stun.Message) error {
	v, err := m.Get(attrPriority)
	if err != nil {
		return err
	}
	if err := stun.CheckSize(attrPriority, len(v), 4); err != nil {
		return err
	}
	*p = priorityAttr(binary.BigEndian.Uint32(v))
	return nil
}

// useCandidateAttr carries the flag-only USE-CANDIDATE attribute.
type useCandidateAttr struct{}

func (useCandidateAttr) AddTo(m *stun.Message) error {
	m.Add(attrUseCandidate, nil)
	return nil
}

func hasUseCandidate(m *stun.Message) bool {
	_, err := m.Get(attrUseCandidate)
	return err == nil
}

// roleAttr carries ICE-CONTROLLING or ICE-CONTROLLED with the tiebreaker.
type roleAttr struct {
	controlling bool
	tiebreaker  uint64
}

func (r roleAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, r.tiebreaker)
	if r.controlling {
		m.Add(attrICEControlling, v)
	} else {
		m.Add(attrICEControlled, v)
	}
	return nil
}

// roleFrom extracts the peer's advertised role, if present.
func roleFrom(m *stun.Message) (controlling bool, tiebreaker uint64, ok bool) {
	if v, err := m.Get(attrICEControlling); err == nil && len(v) == 8 {
		return true, binary.BigEndian.Uint64(v), true
	}
	if v, err := m.Get(attrICEControlled); err == nil && len(v) == 8 {
		return false, binary.BigEndian.Uint64(v), true
	}
	return false, 0, false
}
