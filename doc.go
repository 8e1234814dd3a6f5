// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

// Package mit is a client runtime for controllers that expose a
// versioned management information tree over a REST API.
//
// The library loads a class schema matching the controller version,
// mirrors queried objects into a local tree, tracks property changes
// per object, and commits deltas as atomic payloads. Transient
// failures are retried with exponential backoff and expired sessions
// are renewed transparently.
//
// # Quick Start
//
// Register a schema, create a client and log in:
//
//	registry := mit.NewRegistry()
//	registry.RegisterDefault("5.2(1g)", schemaDoc)
//
//	client, err := mit.NewClient(
//	    "https://10.0.0.1",
//	    registry,
//	    mit.NewLoginSession("admin", "secret"),
//	    mit.WithInsecure(),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx := context.Background()
//	if err := client.Login(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Logout(ctx)
//
// # Queries
//
// Read objects by distinguished name or by class, with server-side
// scoping and filtering:
//
//	tenant, err := client.LookupByDn(ctx, "uni/tn-infra")
//
//	bds, err := client.LookupByClass(ctx, "fvBD",
//	    mit.WithPropFilter(mit.Eq("fvBD", "arpFlood", "yes")),
//	    mit.WithOrderBy("fvBD.name"),
//	)
//
// Results are merged into the client's local tree, which answers the
// same queries locally via client.Mit().
//
// # Changes
//
// Create and modify objects, then commit the deltas in one atomic
// request:
//
//	uni, err := client.LookupByDn(ctx, "uni")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tenant, err := client.Mit().Create("fvTenant", uni, "demo")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := tenant.SetProp("descr", "created by mit"); err != nil {
//	    log.Fatal(err)
//	}
//
//	req := mit.NewConfigRequest()
//	req.Add(tenant)
//	if err := client.Commit(ctx, req); err != nil {
//	    log.Fatal(err)
//	}
//
// # Events
//
// Subscribe to queries over a websocket event channel to keep the
// local tree in sync:
//
//	ch, err := client.EventChannel(ctx)
//	sub, _, err := ch.SubscribeClass(ctx, mit.NewClassQuery("fvTenant"))
//	go sub.AutoRefresh(ctx)
//	for event := range ch.Events() {
//	    fmt.Println(event.Type, event.Dn)
//	}
package mit
