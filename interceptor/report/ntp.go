/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package report implements the RTCP sender-report and receiver-report
// interceptors.
package report

import "time"

// ntpEpochOffset is the seconds between the NTP epoch (1900) and the Unix
// epoch (1970).
const ntpEpochOffset = 2208988800

// toNTP converts a host timestamp to the 64-bit NTP format.
func toNTP(t time.Time) uint64 {
	nsec := uint64(t.Sub(time.Unix(-ntpEpochOffset, 0)))
	sec := nsec / uint64(time.Second)
	frac := nsec % uint64(time.Second)
	// Fixed-point seconds.fraction.
	return sec<<32 | (frac<<32)/uint64(time.Second)
}

// middle32 extracts the LSR/DLSR representation of an NTP timestamp.
func middle32(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}
