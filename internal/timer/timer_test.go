package timer

import (
	"testing"
	"time"
)

func TestNewFiresOnChannel(t *testing.T) {
	tm := New(10*time.Millisecond, nil)
	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestNewNonPositiveIntervalNeverFires(t *testing.T) {
	tm := New(0, nil)
	select {
	case <-tm.C():
		t.Fatal("disabled timer fired")
	case <-time.After(20 * time.Millisecond):
	}
	if tm.Running() {
		t.Fatal("expected disabled timer to report not running")
	}
}

func TestResetAppliesNewInterval(t *testing.T) {
	tm := New(time.Hour, nil)
	tm.Reset(10 * time.Millisecond)
	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire at the reset interval")
	}
}

func TestResetOnDisabledTimerArmsIt(t *testing.T) {
	tm := New(0, nil)
	tm.Reset(10 * time.Millisecond)
	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after Reset armed it")
	}
}

func TestResetWithNonPositiveIntervalDisarms(t *testing.T) {
	tm := New(10*time.Millisecond, nil)
	tm.Reset(0)
	if tm.Running() {
		t.Fatal("expected timer to be disarmed")
	}
	select {
	case <-tm.C():
		t.Fatal("disarmed timer fired")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestResetAfterStopIsNoOp(t *testing.T) {
	tm := New(time.Hour, nil)
	tm.Stop()
	tm.Reset(10 * time.Millisecond)
	select {
	case <-tm.C():
		t.Fatal("stopped timer fired after Reset")
	case <-time.After(20 * time.Millisecond):
	}
}
