// Copyright 2025 The Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackplanePublishSubscribe(t *testing.T) {
	backplane := NewLocalBackplane()

	var got [][]byte
	sub, err := backplane.Subscribe("ch1", func(channel string, payload []byte) {
		got = append(got, payload)
	})
	require.NoError(t, err)

	require.NoError(t, backplane.Publish(context.Background(), "ch1", []byte("a")))
	require.NoError(t, backplane.Publish(context.Background(), "ch2", []byte("other channel")))
	require.NoError(t, backplane.Publish(context.Background(), "ch1", []byte("b")))

	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0]))
	assert.Equal(t, "b", string(got[1]), "FIFO per publisher")

	require.NoError(t, sub.Close())
	require.NoError(t, backplane.Publish(context.Background(), "ch1", []byte("c")))
	assert.Len(t, got, 2, "closed subscription receives nothing")
}

func TestLocalBackplaneUnhealthyRejectsPublish(t *testing.T) {
	backplane := NewLocalBackplane()
	backplane.SetHealthy(false)

	err := backplane.Publish(context.Background(), "ch1", []byte("x"))
	assert.ErrorIs(t, err, ErrBackplaneUnavailable)
	assert.False(t, backplane.Healthy())
}

func TestLocalBackplaneReconnectHooks(t *testing.T) {
	backplane := NewLocalBackplane()

	calls := 0
	backplane.OnReconnect(func() { calls++ })

	backplane.SetHealthy(false)
	assert.Equal(t, 0, calls)

	backplane.SetHealthy(true)
	assert.Equal(t, 1, calls, "hooks run on the unhealthy to healthy transition")

	backplane.SetHealthy(true)
	assert.Equal(t, 1, calls, "no transition, no hook")
}
