// Package datastream implements the write/read/edit/parallel-write/release
// state machine: the Uni→Multi transition, erasure-encoded
// object sealing via internal/erasure, chunk-info bookkeeping through
// internal/xattrcodec, and placement via internal/placement.
package datastream
