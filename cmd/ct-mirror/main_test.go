package main

import (
	"context"
	"testing"
	"time"

	"sigsum.org/ct-mirror/internal/cluster"
	"sigsum.org/ct-mirror/internal/config"
	"sigsum.org/ct-mirror/internal/consistent"
	"sigsum.org/ct-mirror/internal/db"
	"sigsum.org/ct-mirror/internal/election"
	"sigsum.org/ct-mirror/internal/types"
)

func TestTakeOfficeStandalone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conf := config.NewConfig()
	conf.NodeID = "a"
	store := consistent.NewFake()
	el := election.New(store, conf.EtcdRoot, conf.NodeID, time.Second)
	el.StartElection()
	defer el.StopElection(context.Background())
	controller := cluster.NewController(store, el, conf.EtcdRoot, conf.NodeID, nil)

	if err := takeOffice(ctx, conf, el, controller); err != nil {
		t.Fatal(err)
	}
	cc, err := controller.ClusterConfig(ctx)
	if err != nil || cc != (types.ClusterConfig{MinimumServingNodes: 1, MinimumServingFraction: 1}) {
		t.Fatalf("got config %+v (err %v) after taking office", cc, err)
	}
	// The first drained tree head is served right away.
	sth := types.SignedTreeHead{TreeSize: 5, Timestamp: 50}
	if err := controller.NewTreeHead(ctx, sth); err != nil {
		t.Fatal(err)
	}
	if got, err := controller.ServingSTH(ctx); err != nil || got.TreeSize != 5 {
		t.Errorf("got serving %v (err %v), wanted size 5", got, err)
	}
}

func TestCheckStandaloneStart(t *testing.T) {
	ctx := context.Background()
	for _, table := range []struct {
		desc    string
		etcd    string
		entries int
		allow   bool
		wantErr bool
	}{
		{"empty", "", 0, false, false},
		{"non-empty", "", 3, false, true},
		{"non-empty, allowed", "", 3, true, false},
		{"clustered", "etcd.example.com", 3, false, false},
	} {
		conf := config.NewConfig()
		conf.EtcdHost = table.etcd
		conf.AllowStandaloneRestart = table.allow
		storage := db.NewMemoryDb()
		if err := storage.AppendEntries(ctx, 0, make([]types.Entry, table.entries)); err != nil {
			t.Fatal(err)
		}
		err := checkStandaloneStart(ctx, conf, storage)
		if got := err != nil; got != table.wantErr {
			t.Errorf("%s: got error %v, wanted error: %v", table.desc, err, table.wantErr)
		}
	}
}
