package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/domain/directory"
	"github.com/ehr/portal/internal/platform/apperr"
)

func TestState_Transitions(t *testing.T) {
	legal := [][2]State{
		{Unauthenticated, IdentityResolved},
		{Unauthenticated, Failed},
		{IdentityResolved, Authorized},
		{IdentityResolved, Denied},
		{IdentityResolved, Failed},
		{Authorized, Completed},
		{Authorized, Failed},
	}
	for _, tr := range legal {
		if !canTransition(tr[0], tr[1]) {
			t.Errorf("expected %s -> %s to be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]State{
		{Unauthenticated, Authorized},
		{Unauthenticated, Completed},
		{IdentityResolved, Completed},
		{Denied, Completed},
		{Denied, Failed},
		{Authorized, Denied},
		{Completed, Failed},
	}
	for _, tr := range illegal {
		if canTransition(tr[0], tr[1]) {
			t.Errorf("expected %s -> %s to be illegal", tr[0], tr[1])
		}
	}
	for _, s := range []State{Denied, Completed, Failed} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
}

func TestFlow_IllegalTransitionPanics(t *testing.T) {
	f := newFlow(context.Background(), zerolog.Nop(), "test")
	defer func() {
		if recover() == nil {
			t.Error("expected panic on Unauthenticated -> Completed")
		}
	}()
	f.advance(Completed)
}

func TestFlow_Finish(t *testing.T) {
	actor := directory.Actor{AccountRef: "0xa", Role: directory.RolePatient, ID: "100001"}
	tests := []struct {
		name     string
		resolved bool
		err      error
		want     []State
	}{
		{"completed", true, nil, []State{Unauthenticated, IdentityResolved, Authorized, Completed}},
		{"already granted completes", true, apperr.ErrAlreadyGranted, []State{Unauthenticated, IdentityResolved, Authorized, Completed}},
		{"unauthorized denied", true, apperr.ErrUnauthorized, []State{Unauthenticated, IdentityResolved, Denied}},
		{"access denied", true, fmt.Errorf("x: %w", apperr.ErrAccessDenied), []State{Unauthenticated, IdentityResolved, Denied}},
		{"config error denied", true, &apperr.ConfigError{Directory: "patient"}, []State{Unauthenticated, IdentityResolved, Denied}},
		{"validation fails after authorization", true, apperr.Validation("empty"), []State{Unauthenticated, IdentityResolved, Authorized, Failed}},
		{"upstream fails before decision", true, apperr.Upstream("op", errors.New("eof")), []State{Unauthenticated, IdentityResolved, Failed}},
		{"unresolved", false, apperr.ErrIdentityNotFound, []State{Unauthenticated, Failed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			f := newFlow(context.Background(), zerolog.New(&buf), "grant_permission")
			if tt.resolved {
				f.resolved(actor)
			}
			if err := f.finish(tt.err); err != tt.err {
				t.Errorf("finish changed the error: %v", err)
			}
			if !reflect.DeepEqual(f.path, tt.want) {
				t.Errorf("expected path %v, got %v", tt.want, f.path)
			}
			out := buf.String()
			if want := `"state":"` + tt.want[len(tt.want)-1].String() + `"`; !strings.Contains(out, want) {
				t.Errorf("expected %s in %s", want, out)
			}
			if !strings.Contains(out, `"action":"grant_permission"`) {
				t.Errorf("expected action in %s", out)
			}
		})
	}
}

func TestFlow_LogLevels(t *testing.T) {
	var buf bytes.Buffer
	f := newFlow(context.Background(), zerolog.New(&buf), "list_records")
	f.resolved(directory.Actor{AccountRef: "0xd", Role: directory.RoleDoctor, ID: "200002"})
	f.finish(apperr.ErrAccessDenied)
	out := buf.String()
	for _, want := range []string{`"level":"warn"`, `"error_kind":"access_denied"`, `"actor":"doctor:200002"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}
