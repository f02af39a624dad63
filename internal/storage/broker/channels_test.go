package broker

import (
	"fmt"
	"testing"
	"time"
)

func recvOne(t *testing.T, c <-chan []byte) []byte {
	t.Helper()
	select {
	case msg, ok := <-c:
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestChannelNoReplayForLateSubscriber(t *testing.T) {
	cs := NewChannels()

	s1 := cs.Subscribe("shard0/runner")
	defer s1.Disconnect()
	cs.Publish("shard0/runner", []byte("m1"))

	s2 := cs.Subscribe("shard0/runner")
	defer s2.Disconnect()
	cs.Publish("shard0/runner", []byte("m2"))

	if got := recvOne(t, s1.C()); string(got) != "m1" {
		t.Fatalf("s1 first message = %q, want m1", got)
	}
	if got := recvOne(t, s1.C()); string(got) != "m2" {
		t.Fatalf("s1 second message = %q, want m2", got)
	}

	// s2 joined after m1 was published and must only ever see m2.
	if got := recvOne(t, s2.C()); string(got) != "m2" {
		t.Fatalf("s2 message = %q, want m2", got)
	}
	select {
	case msg := <-s2.C():
		t.Fatalf("s2 received replayed message %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelOrderingPerSubscriber(t *testing.T) {
	cs := NewChannels()
	sub := cs.Subscribe("t")
	defer sub.Disconnect()

	const n = 100
	for i := 0; i < n; i++ {
		cs.Publish("t", []byte(fmt.Sprintf("msg-%03d", i)))
	}
	for i := 0; i < n; i++ {
		want := fmt.Sprintf("msg-%03d", i)
		if got := recvOne(t, sub.C()); string(got) != want {
			t.Fatalf("message %d = %q, want %q", i, got, want)
		}
	}
}

func TestChannelDisconnectEndsIteration(t *testing.T) {
	cs := NewChannels()
	sub := cs.Subscribe("t")

	done := make(chan int, 1)
	go func() {
		n := 0
		for range sub.C() {
			n++
		}
		done <- n
	}()

	cs.Publish("t", []byte("a"))
	time.Sleep(20 * time.Millisecond)
	sub.Disconnect()
	// A second disconnect must be a harmless no-op.
	sub.Disconnect()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("range over subscription did not end after Disconnect")
	}

	// Last unsubscribe drops the topic.
	cs.mu.Lock()
	_, alive := cs.topics["t"]
	cs.mu.Unlock()
	if alive {
		t.Fatal("topic retained after last subscriber disconnected")
	}
}

func TestChannelPublishWithoutSubscribers(t *testing.T) {
	cs := NewChannels()
	// Must not panic or retain anything.
	cs.Publish("nobody", []byte("x"))

	sub := cs.Subscribe("nobody")
	defer sub.Disconnect()
	select {
	case msg := <-sub.C():
		t.Fatalf("received message published before subscribe: %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
