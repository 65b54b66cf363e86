package connector

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassPredicates(t *testing.T) {
	tests := []struct {
		err  error
		pred func(error) bool
		name string
	}{
		{NewTransportError("socket closed", errors.New("EOF")), IsTransport, "transport"},
		{NewApplicationError("bucket exists"), IsApplication, "application"},
		{NewUnresolvedError("aws/subnet.json", []ReadOutput{{Addr: "aws/vpc.json", Key: "vpc_id"}}), IsUnresolved, "unresolved"},
		{NewCycleError("aws/subnet.json", 3), IsCycle, "cycle"},
		{NewSpawnError("binary missing", errors.New("no such file")), IsSpawn, "spawn"},
	}
	for _, tt := range tests {
		if !tt.pred(tt.err) {
			t.Errorf("%s predicate false for its own error", tt.name)
		}
	}

	if IsTransport(NewApplicationError("nope")) {
		t.Error("IsTransport matched an application error")
	}
	if IsTransport(errors.New("plain")) {
		t.Error("IsTransport matched a plain error")
	}
}

func TestErrorWrapping(t *testing.T) {
	inner := NewTransportError("socket closed", errors.New("EOF")).WithConnector("kvstore")
	wrapped := fmt.Errorf("call failed: %w", inner)

	if !IsTransport(wrapped) {
		t.Error("classification lost through wrapping")
	}
	var ce *Error
	if !errors.As(wrapped, &ce) {
		t.Fatal("errors.As failed to extract *Error")
	}
	if ce.Connector != "kvstore" {
		t.Errorf("connector context lost: %q", ce.Connector)
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewApplicationError("bucket exists").
		WithConnector("s3").
		WithAddr("aws/s3/bucket.json").
		WithOp("op_exec")

	msg := err.Error()
	for _, want := range []string{"application", "bucket exists", "s3", "aws/s3/bucket.json", "op_exec"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestErrorIs(t *testing.T) {
	err := NewCycleError("aws/subnet.json", 3)
	if !errors.Is(err, &Error{Class: ErrorClassCycle}) {
		t.Error("errors.Is failed on class sentinel")
	}
	if errors.Is(err, &Error{Class: ErrorClassSpawn}) {
		t.Error("errors.Is matched the wrong class")
	}
}

func TestIsRetryableAfterRelaunch(t *testing.T) {
	if !IsRetryableAfterRelaunch(NewTransportError("timeout", nil)) {
		t.Error("transport errors should be retryable after relaunch")
	}
	if IsRetryableAfterRelaunch(NewApplicationError("failed")) {
		t.Error("application errors are never retryable")
	}
}
