//go:build integration_pg

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/MrWong99/amdstream/pkg/classifier"
	"github.com/MrWong99/amdstream/pkg/sink"
	"github.com/MrWong99/amdstream/pkg/sink/postgres"
)

// startPostgres runs a throwaway postgres:16-alpine container and returns its
// DSN. The container is terminated via t.Cleanup.
func startPostgres(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "amdstream",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			).WithDeadline(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/amdstream?sslmode=disable", host, port.Port())
}

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	store, err := postgres.NewStore(context.Background(), startPostgres(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_Integration(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	t.Run("verdict creates the record", func(t *testing.T) {
		err := store.SetVerdict(ctx, "call-1", sink.Update{
			Label:      classifier.LabelMachine,
			Confidence: 0.92,
			StatusHint: sink.StatusTerminated,
			Metadata:   map[string]any{"strategy": "gemini", "reasoning": "beep"},
		})
		if err != nil {
			t.Fatalf("SetVerdict: %v", err)
		}
		r, err := store.Get(ctx, "call-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if r.AMDResult != classifier.LabelMachine || r.Confidence != 0.92 || r.Status != sink.StatusTerminated || r.Strategy != "gemini" {
			t.Errorf("unexpected record: %+v", r)
		}
		if r.Metadata["reasoning"] != "beep" {
			t.Errorf("metadata = %v", r.Metadata)
		}
	})

	t.Run("replaying an update is idempotent", func(t *testing.T) {
		u := sink.Update{Label: classifier.LabelHuman, Confidence: 0.8, StatusHint: sink.StatusAnswered, Metadata: map[string]any{"window": 1.0}}
		for range 2 {
			if err := store.SetVerdict(ctx, "call-2", u); err != nil {
				t.Fatalf("SetVerdict: %v", err)
			}
		}
		r, err := store.Get(ctx, "call-2")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if r.AMDResult != classifier.LabelHuman || r.Status != sink.StatusAnswered || len(r.Metadata) != 1 {
			t.Errorf("unexpected record after replay: %+v", r)
		}
	})

	t.Run("later verdict replaces metadata", func(t *testing.T) {
		undecided := sink.Update{
			Label:      classifier.LabelUndecided,
			Confidence: 0.5,
			StatusHint: sink.StatusInProgress,
			Metadata: map[string]any{
				"strategy":             "gemini",
				"classification_error": "timeout",
				"rationale":            "classification timed out",
				"undecided_streak":     1.0,
			},
		}
		if err := store.SetVerdict(ctx, "call-3", undecided); err != nil {
			t.Fatalf("SetVerdict: %v", err)
		}
		human := sink.Update{
			Label:      classifier.LabelHuman,
			Confidence: 0.9,
			StatusHint: sink.StatusAnswered,
			Metadata:   map[string]any{"strategy": "gemini", "window": 2.0},
		}
		if err := store.SetVerdict(ctx, "call-3", human); err != nil {
			t.Fatalf("SetVerdict: %v", err)
		}
		r, err := store.Get(ctx, "call-3")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if r.AMDResult != classifier.LabelHuman || r.Confidence != 0.9 || r.Status != sink.StatusAnswered {
			t.Errorf("unexpected record: %+v", r)
		}
		for _, stale := range []string{"classification_error", "rationale", "undecided_streak"} {
			if _, ok := r.Metadata[stale]; ok {
				t.Errorf("metadata kept %q from the earlier verdict: %v", stale, r.Metadata)
			}
		}
		if r.Metadata["window"] != 2.0 || r.Metadata["strategy"] != "gemini" {
			t.Errorf("metadata = %v", r.Metadata)
		}
	})

	t.Run("status keeps verdict and merges duration", func(t *testing.T) {
		if err := store.SetStatus(ctx, "call-2", "completed", 42*time.Second); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
		if err := store.SetStatus(ctx, "call-2", "completed", 0); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
		r, err := store.Get(ctx, "call-2")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if r.Status != "completed" || r.Duration != 42*time.Second || r.AMDResult != classifier.LabelHuman {
			t.Errorf("unexpected record: %+v", r)
		}
	})

	t.Run("unknown call", func(t *testing.T) {
		if _, err := store.Get(ctx, "nope"); !errors.Is(err, postgres.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}

func TestNewStore_BadDSN(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := postgres.NewStore(ctx, "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"); err == nil {
		t.Fatal("expected error for unreachable database")
	}
}
