/*
Package adapter wires a §6 configuration document into a running Layer
tree and exposes the uniform operation set against its root.

# Architecture Role

Where earlier designs in this space mount a fixed storage-backend/cache/
write-buffer/FUSE pipeline, this adapter's job is narrower: parse a
configuration document, hand it to internal/treebuilder, and expose
whatever tree comes back plus any named services (currently: an
embedded metadata KV service).

	┌───────────────────────────────┐
	│      Configuration (YAML)     │
	└───────────────────────────────┘
	               │
	┌───────────────────────────────┐
	│         Adapter.New           │  ← this package
	│  • parse + build layer tree   │
	│  • initialize metrics         │
	│  • construct named services   │
	└───────────────────────────────┘
	               │
	┌───────────────────────────────┐
	│        Layer tree (root)      │
	└───────────────────────────────┘

# Lifecycle

	tree, err := adapter.New(yamlDoc)
	if err != nil { ... }
	if err := tree.Start(ctx); err != nil { ... }
	defer tree.Stop(ctx)

	fd, err := tree.Open(ctx, "/path", layer.O_RDWR|layer.O_CREATE, 0o644)
	...
	tree.Close(ctx, fd)

Start and Stop exist for symmetry with the rest of the codebase's
component lifecycles; layer construction itself happens eagerly in New
so that a bad configuration fails before any operation is attempted.
*/
package adapter
