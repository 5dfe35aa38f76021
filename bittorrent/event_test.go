// Copyright 2016 Jimmy Zelinskie
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

package bittorrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventString(t *testing.T) {
	var table = []struct {
		event    Event
		expected string
	}{
		{None, "none"},
		{Completed, "completed"},
		{Started, "started"},
		{Stopped, "stopped"},
		{Event(99), "unknown"},
	}

	for _, tt := range table {
		assert.Equal(t, tt.expected, tt.event.String())
	}
}
