// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package command queues named commands per device until the device polls
// for them. Devices are expected to poll frequently; a newer command for the
// same name simply replaces the queued one.
package command

import "sync"

// NameLED is the command controlling a device's status LED. Every poll
// response carries an LED state so devices never have to remember one.
const NameLED = "led"

// LEDOff is the LED value substituted when nothing set one.
const LEDOff = "off"

// Queue holds pending commands per device. The zero value is not usable,
// construct with NewQueue.
type Queue struct {
	mtx     sync.Mutex
	pending map[string]map[string]string
}

func NewQueue() *Queue {
	return &Queue{pending: map[string]map[string]string{}}
}

// Enqueue records a command for the device. A pending command with the same
// name is overwritten, the device only ever sees the most recent value.
func (q *Queue) Enqueue(deviceID, name, value string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	cmds, ok := q.pending[deviceID]
	if !ok {
		cmds = map[string]string{}
		q.pending[deviceID] = cmds
	}
	cmds[name] = value
}

// AcquirePending atomically hands out and clears the pending commands of the
// device. When no LED command is pending the response carries "off", so a
// poll always settles the LED into a defined state.
func (q *Queue) AcquirePending(deviceID string) map[string]string {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	cmds, ok := q.pending[deviceID]
	if ok {
		delete(q.pending, deviceID)
	} else {
		cmds = map[string]string{}
	}
	if _, ok := cmds[NameLED]; !ok {
		cmds[NameLED] = LEDOff
	}
	return cmds
}

// PendingDevices returns the number of devices with queued commands.
func (q *Queue) PendingDevices() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.pending)
}
