package main

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	t.Parallel()
	var stdout, stderr bytes.Buffer
	opts, help, err := parseArgs([]string{"-c", "10", "--sample-rate=0.5", "-w", "2"}, &stdout, &stderr)
	require.NoError(t, err)
	assert.False(t, help)
	assert.EqualValues(t, 10, opts.Counts.Counter)
	assert.Equal(t, 0.5, opts.SampleRate)
	assert.EqualValues(t, 2, opts.Workers)
	assert.Equal(t, "127.0.0.1:8125", opts.Target)
	assert.Zero(t, stderr.Len())
}

func TestParseArgsHelp(t *testing.T) {
	t.Parallel()
	var stdout, stderr bytes.Buffer
	_, help, err := parseArgs([]string{"--help"}, &stdout, &stderr)
	require.NoError(t, err)
	assert.True(t, help)
	assert.Contains(t, stdout.String(), "counter-count")
}

func TestParseArgsErrors(t *testing.T) {
	t.Parallel()
	for _, args := range [][]string{
		{},
		{"-c", "1", "extra"},
		{"-c", "1", "--sample-rate=0"},
		{"-c", "1", "--sample-rate=2"},
		{"-c", "1", "-w", "0"},
		{"-c", "1", "--gauge-value-limit=0"},
		{"--bogus"},
	} {
		var stdout, stderr bytes.Buffer
		_, help, err := parseArgs(args, &stdout, &stderr)
		assert.Error(t, err, "%v", args)
		assert.False(t, help)
		assert.NotZero(t, stderr.Len())
	}
}

func TestGeneratorLines(t *testing.T) {
	t.Parallel()
	opts, _, err := parseArgs([]string{"-c", "2", "-g", "2", "-s", "2", "-t", "2", "--sample-rate=0.1", "--gauge-deltas", "--gauge-value-limit=5", "--timer-value-limit=100"}, &bytes.Buffer{}, &bytes.Buffer{})
	require.NoError(t, err)
	gens := newGenerators(opts, 1)
	require.Len(t, gens, 1)

	sb := &strings.Builder{}
	for gens[0].next(sb) {
	}
	lines := strings.Split(strings.TrimSuffix(sb.String(), "\n"), "\n")
	require.Len(t, lines, 8)
	kinds := map[string]int{}
	for _, line := range lines {
		parts := strings.Split(line, "|")
		require.True(t, len(parts) >= 2, line)
		kinds[parts[1]]++
		switch parts[1] {
		case "c", "ms":
			assert.Equal(t, "@0.1", parts[2], line)
		case "g":
			value := strings.SplitN(parts[0], ":", 2)[1]
			assert.Contains(t, "+-", value[:1], line)
		}
		assert.True(t, strings.HasPrefix(line, "loadtest."), line)
	}
	assert.Equal(t, map[string]int{"c": 2, "g": 2, "s": 2, "ms": 2}, kinds)
}

func TestNewGeneratorsSplitsCounts(t *testing.T) {
	t.Parallel()
	opts, _, err := parseArgs([]string{"-c", "10", "-w", "3"}, &bytes.Buffer{}, &bytes.Buffer{})
	require.NoError(t, err)
	gens := newGenerators(opts, rand.Int63())
	require.Len(t, gens, 3)
	for _, g := range gens {
		assert.EqualValues(t, 3, g.counters.count)
	}
}

func TestSendMetricsWorker(t *testing.T) {
	t.Parallel()
	l, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	opts, _, err := parseArgs([]string{"-c", "40", "--buffer-size=64", "--counter-value-limit=9"}, &bytes.Buffer{}, &bytes.Buffer{})
	require.NoError(t, err)
	gen := newGenerators(opts, 1)[0]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		assert.NoError(t, sendMetricsWorker(ctx, l.LocalAddr().String(), 64, 10000, gen))
	}()

	lines := 0
	buf := make([]byte, 1500)
	require.NoError(t, l.SetReadDeadline(time.Now().Add(5*time.Second)))
	for lines < 40 {
		n, _, err := l.ReadFrom(buf)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 64)
		lines += strings.Count(string(buf[:n]), "\n")
	}
	assert.Equal(t, 40, lines)
}
