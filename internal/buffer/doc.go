// Package buffer provides a size-bucketed byte-slice pool shared by the
// layers that need scratch space for read-modify-write or compression
// work (Block-Align, Sparse-Block Compression), avoiding per-call
// allocation under load.
package buffer
