// Package layer is the composition kernel: the uniform operation contract
// (open, close, pread, pwrite, ftruncate, fstat, lstat, unlink) every layer
// honors, a descriptor-indexed state table each layer uses for its own
// handle space, and a type-name registry the tree builder uses to
// instantiate a configuration into a running tree.
//
// Composition is by reference: a parent layer holds an owned Layer
// reference to each child and forwards calls through the Layer interface.
// No call crosses a layer boundary any other way, which is what lets any
// layer be swapped for any other at construction time.
package layer
