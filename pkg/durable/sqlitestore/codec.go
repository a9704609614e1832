// Copyright 2025 Tom Barlow
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

package sqlitestore

import (
	"encoding/json"
	"fmt"

	"github.com/tombee/conductor/pkg/durable"
)

// encodeEntry serializes only an entry's kind-specific payload. Location
// is stored separately as loc_key; decodeEntry rebuilds it from that key
// string.
func encodeEntry(e *durable.Entry) (string, error) {
	var payload any
	switch e.Kind {
	case durable.KindStep:
		payload = e.Step
	case durable.KindLoop:
		payload = e.Loop
	case durable.KindSleep:
		payload = e.Sleep
	case durable.KindMessage:
		payload = e.Message
	case durable.KindRollbackCheckpoint:
		payload = e.RollbackCheckpoint
	case durable.KindJoin:
		payload = e.Join
	case durable.KindRace:
		payload = e.Race
	case durable.KindRemoved:
		payload = e.Removed
	default:
		return "", fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", e.Kind, err)
	}
	return string(b), nil
}

// decodeEntry rebuilds an Entry's kind-specific payload from JSON and its
// Location from its canonical key string.
func decodeEntry(id, locKey string, kind durable.EntryKind, payload string) (*durable.Entry, error) {
	e := &durable.Entry{ID: id, Kind: kind, Location: durable.LocationFromKey(locKey)}
	raw := []byte(payload)
	var err error
	switch kind {
	case durable.KindStep:
		e.Step = &durable.StepPayload{}
		err = json.Unmarshal(raw, e.Step)
	case durable.KindLoop:
		e.Loop = &durable.LoopPayload{}
		err = json.Unmarshal(raw, e.Loop)
	case durable.KindSleep:
		e.Sleep = &durable.SleepPayload{}
		err = json.Unmarshal(raw, e.Sleep)
	case durable.KindMessage:
		e.Message = &durable.MessagePayload{}
		err = json.Unmarshal(raw, e.Message)
	case durable.KindRollbackCheckpoint:
		e.RollbackCheckpoint = &durable.RollbackCheckpointPayload{}
		err = json.Unmarshal(raw, e.RollbackCheckpoint)
	case durable.KindJoin:
		e.Join = &durable.JoinPayload{}
		err = json.Unmarshal(raw, e.Join)
	case durable.KindRace:
		e.Race = &durable.RacePayload{}
		err = json.Unmarshal(raw, e.Race)
	case durable.KindRemoved:
		e.Removed = &durable.RemovedPayload{}
		err = json.Unmarshal(raw, e.Removed)
	default:
		return nil, fmt.Errorf("unknown entry kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return e, nil
}
