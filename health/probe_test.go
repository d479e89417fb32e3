package health

import (
	"net"
	"testing"
	"time"
)

func TestProbeSucceedsOnceListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	prober := &TCPProber{Budget: 2 * time.Second, Interval: 10 * time.Millisecond}

	if !prober.Probe(port) {
		t.Fatal("expected probe to succeed against a listening port")
	}
}

func TestProbeTimesOutWhenNothingListens(t *testing.T) {
	// Find a free port and close it immediately so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	prober := &TCPProber{Budget: 50 * time.Millisecond, Interval: 10 * time.Millisecond}

	if prober.Probe(port) {
		t.Fatal("expected probe to fail against a closed port")
	}
}
