package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
)

type passthroughRunner struct{ calls int }

func (p *passthroughRunner) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	p.calls++
	return fn(dbctx.Context{Ctx: ctx})
}

func TestInjectedTxRunnerCommitsOnSuccess(t *testing.T) {
	r := &InjectedTxRunner{}
	called := false
	err := r.InTx(context.Background(), func(_ dbctx.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !called {
		t.Fatalf("expected callback to run")
	}
	if r.BeginCalls != 1 || r.CommitCalls != 1 || r.RollbackCalls != 0 {
		t.Fatalf("unexpected counters begin=%d commit=%d rollback=%d", r.BeginCalls, r.CommitCalls, r.RollbackCalls)
	}
}

func TestInjectedTxRunnerFailCommitReachesInner(t *testing.T) {
	commitErr := errors.New("commit failed")
	inner := &passthroughRunner{}
	r := &InjectedTxRunner{Inner: inner, FailCommit: commitErr}
	called := false
	err := r.InTx(context.Background(), func(_ dbctx.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, commitErr) {
		t.Fatalf("expected commit err, got %v", err)
	}
	if !called || inner.calls != 1 {
		t.Fatalf("body should run inside the inner runner: called=%v inner=%d", called, inner.calls)
	}
	if r.CommitCalls != 0 || r.RollbackCalls != 1 {
		t.Fatalf("unexpected counters commit=%d rollback=%d", r.CommitCalls, r.RollbackCalls)
	}
}

func TestInjectedTxRunnerFailBeginSkipsBody(t *testing.T) {
	beginErr := errors.New("connection refused")
	r := &InjectedTxRunner{FailBegin: beginErr}
	err := r.InTx(context.Background(), func(_ dbctx.Context) error {
		t.Fatalf("body must not run")
		return nil
	})
	if !errors.Is(err, beginErr) {
		t.Fatalf("expected begin err, got %v", err)
	}
	if r.CommitCalls != 0 || r.RollbackCalls != 0 {
		t.Fatalf("unexpected counters commit=%d rollback=%d", r.CommitCalls, r.RollbackCalls)
	}
}
