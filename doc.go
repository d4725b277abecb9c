/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package heimdall is a sans-I/O WebRTC peer-connection engine. The host
// owns every socket, timer, and thread; the engine consumes datagrams and
// timestamps through HandleRead/HandleWrite/HandleTimeout and yields
// datagrams, application messages, events, and wake-up deadlines through
// the matching Poll methods.
//
// A minimal driver loop:
//
//	pc, _ := heimdall.New(heimdall.Configuration{})
//	for {
//		deadline, ok := pc.PollTimeout()
//		// select on socket readability and the deadline ...
//		pc.HandleRead(heimdall.InboundDatagram{Now: now, Transport: tctx, Data: buf})
//		pc.HandleTimeout(now)
//		for {
//			out, ok := pc.PollWrite()
//			if !ok {
//				break
//			}
//			// write out.Data to the socket for out.Transport
//		}
//		for {
//			evt, ok := pc.PollEvent()
//			if !ok {
//				break
//			}
//			// signaling, tracks, channels ...
//		}
//		_ = deadline
//		_ = ok
//	}
//
// Protocol internals live under internal/; the interceptor chain
// (interceptor/...) and the statistics model (stats) are public because
// hosts extend and consume them directly.
package heimdall
