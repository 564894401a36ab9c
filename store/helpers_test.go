package store_test

import (
	"testing"

	"github.com/jacentio/keystone/memstore"
	"github.com/jacentio/keystone/store"
)

// testRegistry declares the kinds used across the store tests:
//
//	Account  versioned, id-keyed, indexed email and tags, manager reference
//	Setting  unversioned, name-keyed
//	Order    versioned, child of Account, indexed status
func testRegistry() *store.Registry {
	reg := store.NewRegistry()
	reg.MustRegister(store.Kind{
		Name:      "Account",
		Versioned: true,
		Properties: []store.Property{
			{Name: "Name", StorageName: "name", Type: store.TypeString},
			{Name: "Email", StorageName: "email", Type: store.TypeString, Indexed: true, Optional: true},
			{Name: "Balance", StorageName: "bal", Type: store.TypeInt, Optional: true},
			{Name: "Tags", StorageName: "tags", Type: store.TypeArray, ElemType: store.TypeString, Indexed: true, Optional: true},
			{Name: "Manager", StorageName: "manager", Type: store.TypeKey, Optional: true},
		},
	})
	reg.MustRegister(store.Kind{
		Name:    "Setting",
		KeyType: store.KeyByName,
		Properties: []store.Property{
			{Name: "Value", Type: store.TypeString, Indexed: true},
		},
	})
	reg.MustRegister(store.Kind{
		Name:      "Order",
		Ancestors: []string{"Account"},
		Versioned: true,
		PageSize:  3,
		Properties: []store.Property{
			{Name: "Status", Type: store.TypeString, Indexed: true},
			{Name: "Total", Type: store.TypeFloat, Optional: true},
		},
	})
	return reg
}

func newTestStore(t *testing.T, opts ...memstore.Option) (*store.Store, *memstore.Store) {
	t.Helper()
	conn := memstore.New(opts...)
	return store.New(conn, testRegistry(), store.DefaultConfig()), conn
}

func account(name string) *store.Entity {
	return store.NewEntity("Account").Set("Name", store.String(name))
}
