package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestSignalTriggerIsIdempotent(t *testing.T) {
	s := New()
	if s.Requested() {
		t.Fatal("new signal should not be requested")
	}
	s.Trigger()
	s.Trigger()
	if !s.Requested() {
		t.Fatal("signal should be requested after Trigger")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}

func TestNilSignal(t *testing.T) {
	var s *Signal
	if s.Requested() {
		t.Error("nil signal should never be requested")
	}
	if s.Done() != nil {
		t.Error("nil signal Done should be nil")
	}
}

func TestContextCarriesSignal(t *testing.T) {
	ctx := context.Background()
	if Requested(ctx) {
		t.Error("context without signal should not be requested")
	}
	s := New()
	ctx = WithSignal(ctx, s)
	if FromContext(ctx) != s {
		t.Fatal("FromContext returned a different signal")
	}
	s.Trigger()
	if !Requested(ctx) {
		t.Error("Requested(ctx) should be true after trigger")
	}
}

func TestListenTriggersOnSignal(t *testing.T) {
	s := New()
	stop := Listen(context.Background(), s, syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("failed to send signal: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal was not triggered after delivery")
	}
	if s.Cause() != syscall.SIGUSR1 {
		t.Errorf("expected cause SIGUSR1, got %v", s.Cause())
	}
}

func TestListenStopsWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	stop := Listen(ctx, s, syscall.SIGUSR2)
	cancel()
	stop()
	if s.Requested() {
		t.Error("cancelling the listener must not trigger the signal")
	}
}

const repeatedSignalChildEnv = "COMMANDPIPE_SHUTDOWN_CHILD"

// TestListenAbsorbsRepeatedSignal re-executes the test binary so the child can
// receive SIGTERM twice without taking the test process down.
func TestListenAbsorbsRepeatedSignal(t *testing.T) {
	if os.Getenv(repeatedSignalChildEnv) == "1" {
		runRepeatedSignalChild()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestListenAbsorbsRepeatedSignal$", "-test.v")
	cmd.Env = append(os.Environ(), repeatedSignalChildEnv+"=1")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("child exited with %v, output:\n%s", err, out)
	}
	if !strings.Contains(string(out), "handler completed") {
		t.Fatalf("in-flight work did not complete, output:\n%s", out)
	}
}

func runRepeatedSignalChild() {
	s := New()
	stop := Listen(context.Background(), s)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		fmt.Println("kill failed:", err)
		os.Exit(2)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		fmt.Println("first signal was not observed")
		os.Exit(2)
	}

	// A handler is running when the second signal arrives.
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		fmt.Println("kill failed:", err)
		os.Exit(2)
	}
	time.Sleep(300 * time.Millisecond)
	fmt.Println("handler completed")
}

func TestListenKeepsHandlerAfterTrigger(t *testing.T) {
	s := New()
	stop := Listen(context.Background(), s, syscall.SIGUSR1)
	defer stop()

	for i := 0; i < 2; i++ {
		if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
			t.Fatalf("failed to send signal: %v", err)
		}
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal was not triggered after delivery")
	}
	// Still listening: a third delivery is absorbed rather than terminating the test binary.
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("failed to send signal: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if s.Cause() != syscall.SIGUSR1 {
		t.Errorf("expected cause SIGUSR1, got %v", s.Cause())
	}
}
