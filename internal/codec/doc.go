// Package codec is the binary encoding used for everything coedit writes
// to the shared substrate: room records and the instance registry in the
// store, and envelopes published on the cluster bus.
//
// Websocket traffic to browsers stays JSON; only node-to-node and
// node-to-store data goes through this package. Callers import codec
// rather than fxamacker/cbor directly so the encoder configuration lives
// in one place.
package codec
