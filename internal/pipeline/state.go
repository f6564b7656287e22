// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"fmt"

	"github.com/tpd/orderrelay/internal/models"
)

// State is the position of one (message, line) unit of work.
type State string

const (
	StateClassified           State = "classified"
	StateSkippedNoRecipient   State = "skipped-no-recipient"
	StateSkippedDispatched    State = "skipped-already-dispatched"
	StateExtracting           State = "extracting"
	StateExtractionFailed     State = "extraction-failed"
	StateExtracted            State = "extracted"
	StateSkippedNotActionable State = "skipped-not-actionable"
	StateFormatting           State = "formatting"
	StateFormatFailed         State = "format-failed"
	StateFormatted            State = "formatted"
	StateDispatching          State = "dispatching"
	StateDispatchFailed       State = "dispatch-failed"
	StateDispatched           State = "dispatched"
	StateRecorded             State = "recorded"
	StateSkippedConflict      State = "skipped-conflict"
	StateRecordFailed         State = "record-failed"
	// StateLedgerError ends a unit whose ledger lookup failed before any
	// side effect; the message is retried next cycle.
	StateLedgerError          State = "ledger-error"
)

var transitions = map[State][]State{
	StateClassified:  {StateSkippedNoRecipient, StateSkippedDispatched, StateExtracting, StateLedgerError},
	StateExtracting:  {StateExtractionFailed, StateExtracted},
	StateExtracted:   {StateSkippedDispatched, StateSkippedNotActionable, StateFormatting, StateLedgerError},
	StateFormatting:  {StateFormatFailed, StateFormatted},
	StateFormatted:   {StateDispatching},
	StateDispatching: {StateDispatchFailed, StateDispatched},
	StateDispatched:  {StateRecorded, StateSkippedConflict, StateRecordFailed},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Failed reports whether the state is a terminal failure.
func (s State) Failed() bool {
	switch s {
	case StateExtractionFailed, StateFormatFailed, StateDispatchFailed, StateRecordFailed, StateLedgerError:
		return true
	}
	return false
}

// Unit is the outcome of one (message, line) unit of work.
type Unit struct {
	MessageID string
	OrderID   string
	Line      models.ProductLine
	State     State
	// Trail lists every state the unit passed through.
	Trail []State
	Err   error
}

func newUnit(messageID string, line models.ProductLine) *Unit {
	return &Unit{
		MessageID: messageID,
		Line:      line,
		State:     StateClassified,
		Trail:     []State{StateClassified},
	}
}

// advance moves the unit to next. An illegal transition is a programming
// error and panics.
func (u *Unit) advance(next State) {
	for _, allowed := range transitions[u.State] {
		if allowed == next {
			u.State = next
			u.Trail = append(u.Trail, next)
			return
		}
	}
	panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", u.State, next))
}

func (u *Unit) fail(next State, err error) {
	u.advance(next)
	u.Err = err
}
