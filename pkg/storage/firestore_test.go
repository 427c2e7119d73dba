package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  fmt.Sprintf("test-db-%d", time.Now().UnixNano()),
	}

	ctx := context.Background()
	if err := f.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer f.Close()

	runDatabaseTests(t, f)
}
