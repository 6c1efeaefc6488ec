// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	coreerrors "github.com/jontk/slurmctld-core/pkg/errors"
)

// ReplyCode is the worker-observed RPC reply classification.
type ReplyCode int

const (
	RCSuccess ReplyCode = iota
	RCEpilogFailed
	RCPrologFailed
	RCInvalidJobID
	RCJobNotRunning
	RCKillJobAlreadyComplete
	RCKillJobFailed
	RCOther
)

// Classify maps a reply code (plus any transport error) to a terminal
// ThreadSlot state.
func Classify(msgType ctldtypes.MessageType, rc ReplyCode, err error) SlotState {
	if err != nil {
		if coreerrors.IsNoRespond(err) {
			return SlotNoResp
		}
		// Any other error: DONE with the error logged; no retry.
		return SlotDone
	}

	switch rc {
	case RCSuccess:
		return SlotDone
	case RCEpilogFailed, RCPrologFailed:
		return SlotFailed
	case RCInvalidJobID, RCJobNotRunning, RCKillJobAlreadyComplete:
		return SlotDone
	case RCKillJobFailed:
		return SlotFailed
	default:
		return SlotDone
	}
}
