// Package enginetest provides an in-process fake engine for testing
// code built on the enginerun client without a real engine binary.
//
// A [Server] speaks the engine's HTTP surface: it always answers the
// health check, and each operation is scripted per test with Handle,
// HandleJSON, or HandleStream.
package enginetest
