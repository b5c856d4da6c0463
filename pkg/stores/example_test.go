package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/mlpipe/pkg/engine"
	"github.com/openfroyo/mlpipe/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

func ExampleSQLiteStore_UpdateRecord() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	rec := &engine.PipelineRecord{
		PipelineID:   "pl-churn",
		PipelineType: "batch-inference",
		Option:       "builtin",
		DeploymentUnit: engine.DeploymentUnit{
			UnitName: "mlpipe-pl-churn",
			Kind:     engine.UnitKindSingle,
			Status:   engine.StatusInProgress,
		},
	}
	if err := store.CreateRecord(ctx, rec); err != nil {
		log.Fatal(err)
	}

	rec.DeploymentUnit.Status = engine.StatusSucceeded
	if err := store.UpdateRecord(ctx, rec, rec.Version); err != nil {
		log.Fatal(err)
	}

	// The first write has already advanced the version.
	err = store.UpdateRecord(ctx, rec, 1)

	got, _ := store.GetRecord(ctx, "pl-churn")
	fmt.Printf("Status: %s, Version: %d\n", got.Status(), got.Version)
	fmt.Println("Stale write:", engine.CodeOf(err))
	// Output:
	// Status: succeeded, Version: 2
	// Stale write: VERSION_CONFLICT
}

func ExampleSQLiteStore_TryLock() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	first, _ := store.TryLock(ctx, "pl-churn", "engine-a", time.Minute)
	second, _ := store.TryLock(ctx, "pl-churn", "engine-b", time.Minute)
	_ = store.Unlock(ctx, "pl-churn", "engine-a")
	third, _ := store.TryLock(ctx, "pl-churn", "engine-b", time.Minute)

	fmt.Println(first, second, third)
	// Output: true false true
}
