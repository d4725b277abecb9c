/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ice

import (
	"fmt"
	"time"
)

// PairState per RFC 8445 §6.1.2.6.
type PairState int

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairFrozen:
		return "frozen"
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Pair is one candidate pair in the checklist.
type Pair struct {
	Local  *Candidate
	Remote *Candidate
	State  PairState

	// Nominated is set once USE-CANDIDATE was sent (controlling) or
	// received (controlled) on this pair; the pair is selected once its
	// check has also succeeded.
	Nominated bool

	// check bookkeeping
	transactionID [12]byte
	sentAt        time.Time
	rto           time.Duration
	retries       int

	// lastActivity drives keepalives on the selected pair.
	lastActivity time.Time

	// rtt is the latest check round-trip.
	rtt time.Duration
}

// ID is the stable pair key used by stats.
func (p *Pair) ID() string {
	return fmt.Sprintf("%s-%s", p.Local.Addr, p.Remote.Addr)
}

// Priority per RFC 8445 §6.1.2.3. controlling selects which side is G.
func (p *Pair) Priority(controlling bool) uint64 {
	g := uint64(p.Local.Priority)
	d := uint64(p.Remote.Priority)
	if !controlling {
		g, d = d, g
	}
	min, max := g, d
	var gGreater uint64
	if g > d {
		min, max = d, g
		gGreater = 1
	}
	return (1<<32)*min + 2*max + gGreater
}
