package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christian-lee/radiotap/internal/fingerprint"
)

func TestRestarter_Backoff(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newRestarter(2*time.Second, 10*time.Second)
	r.now = func() time.Time { return now }

	var got []time.Duration
	for range 5 {
		got = append(got, r.next("http://a"))
		now = now.Add(time.Second)
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}, got)

	assert.Equal(t, 2*time.Second, r.next("http://b"), "new url resets")

	r.next("http://b")
	now = now.Add(time.Minute)
	assert.Equal(t, 2*time.Second, r.next("http://b"), "quiet period resets")
}

func TestRestarter_ScheduleAndStop(t *testing.T) {
	r := newRestarter(time.Millisecond, time.Millisecond)
	fired := make(chan struct{}, 1)
	r.schedule("http://a", func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("restart not run")
	}

	r.stop()
	r.schedule("http://a", func() { fired <- struct{}{} })
	select {
	case <-fired:
		t.Fatal("restart ran after stop")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMatchLogs_RotatesPerURL(t *testing.T) {
	dir := t.TempDir()
	l := newMatchLogs(dir)
	l.write("http://one.example/live", fingerprint.Match{ID: 1, Name: "a", Confidence: 50})
	l.write("http://one.example/live", fingerprint.Match{ID: 2, Name: "b", Confidence: 60})
	first := l.cur.Path()
	l.write("http://two.example/live", fingerprint.Match{ID: 3, Name: "c", Confidence: 70})
	second := l.cur.Path()
	l.close()

	require.NotEqual(t, first, second)
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
	assert.Contains(t, filepath.Base(second), "two.example")
}
