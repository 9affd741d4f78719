package intercept

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davidahmann/agentgate/core/clock"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/schema/v1/verification"
	"github.com/davidahmann/agentgate/core/transport"
	"github.com/davidahmann/agentgate/core/verify"
	"github.com/davidahmann/agentgate/internal/testutil"
)

func newBackendGateway(t *testing.T, backend *testutil.Backend, fake *clock.FakeClock) *Gateway {
	t.Helper()
	doer, err := transport.New(transport.Config{BaseURL: backend.URL()})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	client, err := verify.New(verify.Identity{AgentID: "agt-1", Signer: testutil.NewSigner(t)}, verify.Options{
		Transport: doer,
		Clock:     fake,
	})
	if err != nil {
		t.Fatalf("new verify client: %v", err)
	}
	return &Gateway{Verifier: client}
}

func TestEndToEndApprovedSynchronously(t *testing.T) {
	backend := testutil.NewBackend(t)
	gw := newBackendGateway(t, backend, clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	readUsers := Wrap(gw, Action{Type: "read_database", Resource: "users_table"}, func(context.Context) ([]string, error) {
		return []string{"alice", "bob"}, nil
	})
	rows, err := readUsers(context.Background())
	if err != nil {
		t.Fatalf("wrapped call: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("unexpected rows: %v", rows)
	}

	submissions := backend.Submissions()
	if len(submissions) != 1 || submissions[0].AgentID != "agt-1" || submissions[0].ActionType != "read_database" {
		t.Fatalf("unexpected submissions: %#v", submissions)
	}
	if submissions[0].Resource == nil || *submissions[0].Resource != "users_table" {
		t.Fatalf("unexpected resource: %v", submissions[0].Resource)
	}
	results := backend.Results()
	if len(results) != 1 || results[0].VerificationID != "ver-1" || !results[0].Report.Success {
		t.Fatalf("expected one success result, got %#v", results)
	}
}

func TestEndToEndPendingThenDenied(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.OnSubmit(func(verification.SignedRequest) verification.Response {
		return testutil.Pending("ver-1")
	})
	backend.SetPollSequence("ver-1", testutil.Denied("ver-1", "users_table is restricted"))
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	gw := newBackendGateway(t, backend, fake)

	ran := make(chan struct{}, 1)
	readUsers := Wrap(gw, Action{Type: "read_database", Resource: "users_table"}, func(context.Context) (int, error) {
		ran <- struct{}{}
		return 2, nil
	})
	done := make(chan error, 1)
	go func() {
		_, err := readUsers(context.Background())
		done <- err
	}()
	fake.WaitForTimers(1)
	fake.Advance(verify.InitialPollInterval)
	err := <-done

	select {
	case <-ran:
		t.Fatalf("wrapped body ran despite denial")
	default:
	}
	if !errors.Is(err, coreerrors.ErrActionDenied) {
		t.Fatalf("expected denial, got %v", err)
	}
	if reason, _ := coreerrors.DenialReason(err); reason != "users_table is restricted" {
		t.Fatalf("unexpected reason %q", reason)
	}
	if backend.PollCount("ver-1") != 1 {
		t.Fatalf("expected one poll, got %d", backend.PollCount("ver-1"))
	}
	if len(backend.Results()) != 0 {
		t.Fatalf("denials are not result-logged by default")
	}
}
