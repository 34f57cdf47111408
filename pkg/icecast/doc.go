// Package icecast implements the source side of the Icecast ingest protocol.
//
// A source client connects over TCP, sends a PUT request carrying Basic
// authentication and streaming headers, and then writes raw audio bytes for as
// long as it broadcasts. The Server authenticates the request, registers a
// Mount under the request path and hands the Mount to the embedding
// application, which reads the audio stream and observes metadata snapshots
// extracted from it.
package icecast
