//go:build e2e

// Package e2e contains end-to-end integration tests using real DynamoDB tables.
// Run with: go test -tags=e2e -v ./e2e/...
//
// KEYSTONE_E2E_PROFILE selects the AWS profile and KEYSTONE_E2E_ENDPOINT points
// the tests at DynamoDB Local.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/keystone/dynamo"
	"github.com/jacentio/keystone/store"
	"github.com/jacentio/keystone/stream"
)

// Table names are unique per test run to avoid conflicts.
const tablePrefix = "keystone-e2e-test"

var (
	tables    dynamo.Config
	ddbClient *dynamodb.Client
	conn      *dynamo.Conn
	testStore *store.Store
)

func registry() *store.Registry {
	reg := store.NewRegistry()
	reg.MustRegister(store.Kind{
		Name:      "Organization",
		Versioned: true,
		Properties: []store.Property{
			{Name: "Name", StorageName: "name", Type: store.TypeString},
			{Name: "Region", StorageName: "region", Type: store.TypeString, Indexed: true},
		},
	})
	reg.MustRegister(store.Kind{
		Name:      "Studio",
		Ancestors: []string{"Organization"},
		Versioned: true,
		PageSize:  2,
		Properties: []store.Property{
			{Name: "Name", StorageName: "name", Type: store.TypeString},
			{Name: "Slug", StorageName: "slug", Type: store.TypeString, Indexed: true},
			{Name: "Budget", StorageName: "budget", Type: store.TypeFloat, Optional: true},
			{Name: "Genres", StorageName: "genres", Type: store.TypeArray, ElemType: store.TypeString, Indexed: true, Optional: true},
		},
	})
	reg.MustRegister(store.Kind{
		Name:    "Flag",
		KeyType: store.KeyByName,
		Properties: []store.Property{
			{Name: "Enabled", StorageName: "enabled", Type: store.TypeBool, Indexed: true},
		},
	})
	return reg
}

// --- Test Setup & Teardown ---

func TestMain(m *testing.M) {
	testID := uuid.New().String()[:8]
	cfg := dynamo.DefaultConfig()
	cfg.EntityTable = fmt.Sprintf("%s-%s-entities", tablePrefix, testID)
	cfg.IndexTable = fmt.Sprintf("%s-%s-index", tablePrefix, testID)

	fmt.Printf("Test ID: %s\n", testID)
	fmt.Printf("Tables:\n")
	fmt.Printf("  - Entities: %s\n", cfg.EntityTable)
	fmt.Printf("  - Index: %s\n", cfg.IndexTable)

	tables = cfg
	ctx := context.Background()
	var err error
	conn, ddbClient, err = dynamo.Open(ctx, dynamo.OpenOptions{
		Profile:  os.Getenv("KEYSTONE_E2E_PROFILE"),
		Endpoint: os.Getenv("KEYSTONE_E2E_ENDPOINT"),
	}, cfg)
	if err != nil {
		fmt.Printf("Failed to load AWS config: %v\n", err)
		os.Exit(1)
	}

	if err := dynamo.CreateTables(ctx, ddbClient, cfg); err != nil {
		fmt.Printf("Failed to create tables: %v\n", err)
		os.Exit(1)
	}

	testStore = store.New(conn, registry(), store.DefaultConfig())

	code := m.Run()

	if err := dynamo.DeleteTables(ctx, ddbClient, cfg); err != nil {
		fmt.Printf("Failed to delete tables: %v\n", err)
	}

	os.Exit(code)
}

func newOrganization(t *testing.T, name string) *store.Entity {
	t.Helper()
	org := store.NewEntity("Organization").
		Set("Name", store.String(name)).
		Set("Region", store.String("eu-"+uuid.NewString()))
	created, err := testStore.Create(context.Background(), org)
	if err != nil {
		t.Fatalf("Create organization failed: %v", err)
	}
	return created
}

func newStudio(t *testing.T, parent store.Key, slug string) *store.Entity {
	t.Helper()
	key, err := store.NewKey("Studio").WithAncestor(parent)
	if err != nil {
		t.Fatalf("WithAncestor failed: %v", err)
	}
	studio := &store.Entity{Key: key}
	studio.Set("Name", store.String("Studio "+slug)).Set("Slug", store.String(slug))
	created, err := testStore.Create(context.Background(), studio)
	if err != nil {
		t.Fatalf("Create studio failed: %v", err)
	}
	return created
}

// --- CRUD Tests ---

func TestCreate_AllocatesIDAndVersion(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Test Organization")

	if org.Key.IsPending() || org.Key.ID() == 0 {
		t.Fatalf("expected an allocated id, got %s", org.Key)
	}
	if org.Version != 1 {
		t.Errorf("expected version 1, got %d", org.Version)
	}

	got, err := testStore.Get(ctx, org.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Equal(org) {
		t.Errorf("read back %+v, wrote %+v", got, org)
	}

	other := newOrganization(t, "Other Organization")
	if other.Key.ID() == org.Key.ID() {
		t.Errorf("id %d allocated twice", org.Key.ID())
	}
}

func TestCreate_ChildEntity(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Parent Org")

	key, err := store.NewKey("Studio").WithAncestor(org.Key)
	if err != nil {
		t.Fatalf("WithAncestor failed: %v", err)
	}
	studio := &store.Entity{Key: key}
	studio.Set("Name", store.String("Child")).
		Set("Slug", store.String(uuid.NewString())).
		Set("Budget", store.Float(1250.5))

	created, err := testStore.Create(ctx, studio)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	parent, ok := created.Key.Parent()
	if !ok || !parent.Equal(org.Key) {
		t.Errorf("expected parent %s, got %s", org.Key, parent)
	}

	got, err := testStore.Get(ctx, created.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Equal(created) {
		t.Errorf("read back %+v, wrote %+v", got, created)
	}
}

func TestCreate_DuplicateEntity(t *testing.T) {
	ctx := context.Background()
	flag := &store.Entity{Key: store.NameKey("Flag", "dup-"+uuid.NewString())}
	flag.Set("Enabled", store.Bool(true))

	if _, err := testStore.Create(ctx, flag); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	_, err := testStore.Create(ctx, flag)
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	_, err := testStore.Get(context.Background(), store.NameKey("Flag", "missing-"+uuid.NewString()))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_Success(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Original Name")

	updated, err := testStore.Update(ctx, org.Clone().Set("Name", store.String("Updated Name")))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}

	got, err := testStore.Get(ctx, org.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	name, _ := got.Property("Name")
	if s, _ := name.AsString(); s != "Updated Name" {
		t.Errorf("expected updated name, got %q", s)
	}
}

func TestUpdate_OptimisticLockFailure(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Lock Test")

	if _, err := testStore.Update(ctx, org.Clone().Set("Name", store.String("first"))); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}
	_, err := testStore.Update(ctx, org.Clone().Set("Name", store.String("second")))
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestUpdate_IndexFollowsValue(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Index Org")
	oldRegion, _ := org.Property("Region")
	newRegion := store.String("us-" + uuid.NewString())

	if _, err := testStore.Update(ctx, org.Clone().Set("Region", newRegion)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := testStore.GetOneBy(ctx, "Organization", "Region", oldRegion); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for old value, got %v", err)
	}
	got, err := testStore.GetOneBy(ctx, "Organization", "Region", newRegion)
	if err != nil {
		t.Fatalf("GetOneBy failed: %v", err)
	}
	if !got.Key.Equal(org.Key) {
		t.Errorf("expected %s, got %s", org.Key, got.Key)
	}
}

// --- Query Tests ---

func TestGetOneBy_Ambiguous(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Ambiguous Org")
	slug := "shared-" + uuid.NewString()
	newStudio(t, org.Key, slug)
	newStudio(t, org.Key, slug)

	_, err := testStore.GetOneBy(ctx, "Studio", "Slug", store.String(slug))
	if !errors.Is(err, store.ErrAmbiguousResult) {
		t.Errorf("expected ErrAmbiguousResult, got %v", err)
	}
}

func TestGetOneBy_ArrayElement(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Genre Org")
	genre := "genre-" + uuid.NewString()
	studio := newStudio(t, org.Key, "genres-"+uuid.NewString())

	studio.Set("Genres", store.Array(store.String("drama"), store.String(genre), store.String(genre)))
	updated, err := testStore.Update(ctx, studio)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := testStore.GetOneBy(ctx, "Studio", "Genres", store.String(genre))
	if err != nil {
		t.Fatalf("GetOneBy failed: %v", err)
	}
	if !updated.Equal(got) {
		t.Errorf("expected %v, got %v", updated.Properties, got.Properties)
	}

	if _, err := testStore.Update(ctx, updated.Clone().Set("Genres", store.Array())); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := testStore.GetOneBy(ctx, "Studio", "Genres", store.String(genre)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after clearing the array, got %v", err)
	}
}

func TestGetBy_Pagination(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Paged Org")
	slug := "paged-" + uuid.NewString()
	for range 5 {
		newStudio(t, org.Key, slug)
	}

	it, err := testStore.GetBy(ctx, "Studio", "Slug", store.String(slug), 0)
	if err != nil {
		t.Fatalf("GetBy failed: %v", err)
	}
	seen := make(map[string]bool)
	for {
		e, err := it.Next(ctx)
		if errors.Is(err, store.ErrIteratorDone) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if seen[e.Key.String()] {
			t.Errorf("%s returned twice", e.Key)
		}
		seen[e.Key.String()] = true
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 studios, got %d", len(seen))
	}
	if it.Pages() != 3 {
		t.Errorf("expected 3 pages, got %d", it.Pages())
	}
}

// --- Transaction Tests ---

func TestTransaction_Commit(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Tx Org")

	tx, err := testStore.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	key, _ := store.NewKey("Studio").WithAncestor(org.Key)
	studio := &store.Entity{Key: key}
	studio.Set("Name", store.String("tx studio")).Set("Slug", store.String(uuid.NewString()))
	if err := tx.PushSave(studio); err != nil {
		t.Fatalf("PushSave failed: %v", err)
	}
	if err := tx.PushSave(org.Clone().Set("Name", store.String("Tx Org v2"))); err != nil {
		t.Fatalf("PushSave failed: %v", err)
	}

	results, err := tx.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if results[0].Key.IsPending() || results[0].Version != 1 {
		t.Errorf("unexpected insert result %+v", results[0])
	}
	if results[1].Version != 2 {
		t.Errorf("expected version 2, got %d", results[1].Version)
	}
	if _, err := testStore.Get(ctx, results[0].Key); err != nil {
		t.Errorf("Get of committed studio failed: %v", err)
	}
}

func TestTransaction_Atomic(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Atomic Org")

	tx, err := testStore.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.PushSave(org.Clone().Set("Name", store.String("should not stick"))); err != nil {
		t.Fatalf("PushSave failed: %v", err)
	}
	if err := tx.PushDelete(store.NameKey("Flag", "missing-"+uuid.NewString()), 0); err != nil {
		t.Fatalf("PushDelete failed: %v", err)
	}

	_, err = tx.Commit(ctx)
	if !errors.Is(err, store.ErrTransactionConflict) || !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected transaction conflict on missing entity, got %v", err)
	}

	got, err := testStore.Get(ctx, org.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("expected untouched version 1, got %d", got.Version)
	}
}

// --- Delete Tests ---

func TestDelete_RemovesEntityAndIndex(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Delete Org")
	region, _ := org.Property("Region")

	if err := testStore.DeleteEntity(ctx, org); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := testStore.Get(ctx, org.Key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := testStore.GetOneBy(ctx, "Organization", "Region", region); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected index row to be gone, got %v", err)
	}
	if err := testStore.Delete(ctx, org.Key, 0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

// TestStreamCleanup deletes an entity behind the store's back and runs the stream
// handler on the resulting REMOVE record.
func TestStreamCleanup(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Out of band")
	region, _ := org.Property("Region")

	out, err := ddbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(tables.EntityTable),
		Key:          map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: org.Key.String()}},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}
	var indexPKs []string
	if err := attributevalue.Unmarshal(out.Attributes["_index_pks"], &indexPKs); err != nil {
		t.Fatalf("unmarshal index pks: %v", err)
	}

	// the orphaned row is skipped by queries
	if _, err := testStore.GetOneBy(ctx, "Organization", "Region", region); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for orphaned row, got %v", err)
	}

	pks := make([]events.DynamoDBAttributeValue, len(indexPKs))
	for i, pk := range indexPKs {
		pks[i] = events.NewStringAttribute(pk)
	}
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{{
		EventName: "REMOVE",
		Change: events.DynamoDBStreamRecord{
			Keys: map[string]events.DynamoDBAttributeValue{"pk": events.NewStringAttribute(org.Key.String())},
			OldImage: map[string]events.DynamoDBAttributeValue{
				"pk":         events.NewStringAttribute(org.Key.String()),
				"_index_pks": events.NewListAttribute(pks),
			},
		},
	}}}
	handler := stream.NewHandler(conn, nil)
	if err := handler.HandleRemove(ctx, event); err != nil {
		t.Fatalf("HandleRemove failed: %v", err)
	}

	for _, pk := range indexPKs {
		row, err := ddbClient.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(tables.IndexTable),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: pk},
				"sk": &types.AttributeValueMemberS{Value: org.Key.String()},
			},
		})
		if err != nil {
			t.Fatalf("GetItem failed: %v", err)
		}
		if row.Item != nil {
			t.Errorf("index row %s still present", pk)
		}
	}
}
