// Copyright 2025 Flowlb Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package balancer

import (
	"net"
	"testing"

	"flowlb.io/internal/config"
	"flowlb.io/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, n int) *registry.Registry {
	t.Helper()
	var out []config.Backend
	for i := 0; i < n; i++ {
		ip := net.IPv4(10, 0, 0, byte(i+1)).To4()
		mac, err := net.ParseMAC("00:00:00:00:00:0" + string(rune('1'+i)))
		require.NoError(t, err)
		out = append(out, config.Backend{IP: ip, MAC: mac, Port: uint16(i + 1)})
	}
	return registry.New(out)
}

func TestNewUnknownPolicy(t *testing.T) {
	_, err := New("random")
	assert.Error(t, err)
}

func TestRoundRobinRotation(t *testing.T) {
	reg := testRegistry(t, 3)
	p, err := New(config.PolicyRoundRobin)
	require.NoError(t, err)

	var got []string
	for i := 0; i < 7; i++ {
		b, err := p.Select(reg)
		require.NoError(t, err)
		got = append(got, b.IP.String())
	}
	assert.Equal(t, []string{
		"10.0.0.1", "10.0.0.2", "10.0.0.3",
		"10.0.0.1", "10.0.0.2", "10.0.0.3",
		"10.0.0.1",
	}, got)
}

// TestRoundRobinFairness: over M selections against N backends each
// backend is chosen floor(M/N) or ceil(M/N) times.
func TestRoundRobinFairness(t *testing.T) {
	reg := testRegistry(t, 3)
	p, err := New(config.PolicyRoundRobin)
	require.NoError(t, err)

	const m = 10
	counts := map[string]int{}
	for i := 0; i < m; i++ {
		b, err := p.Select(reg)
		require.NoError(t, err)
		counts[b.IP.String()]++
	}
	assert.Equal(t, 4, counts["10.0.0.1"])
	assert.Equal(t, 3, counts["10.0.0.2"])
	assert.Equal(t, 3, counts["10.0.0.3"])
}

func TestLeastConnections(t *testing.T) {
	reg := testRegistry(t, 3)
	p, err := New(config.PolicyLeastConnections)
	require.NoError(t, err)

	// B1=0, B2=2, B3=1: next selection must be B1.
	reg.Acquire(reg.At(1))
	reg.Acquire(reg.At(1))
	reg.Acquire(reg.At(2))

	b, err := p.Select(reg)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", b.IP.String())

	reg.Acquire(b)
	assert.Equal(t, 1, b.ActiveConnections())

	// B1=1, B3=1: the tie breaks to the lower configured index.
	b, err = p.Select(reg)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", b.IP.String())
}

func TestSelectEmptyRegistry(t *testing.T) {
	reg := registry.New(nil)

	for _, name := range []string{config.PolicyRoundRobin, config.PolicyLeastConnections} {
		p, err := New(name)
		require.NoError(t, err)
		_, err = p.Select(reg)
		assert.ErrorIs(t, err, ErrNoBackends)
	}
}
