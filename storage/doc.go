// Package storage provides key-addressed blob storage with pluggable backends.
//
// Everything the enclave persists is sealed before it reaches this package,
// so backends are treated as untrusted: they may lose, reorder or corrupt
// blobs, and the sealing layer detects it. Backends are:
//
//   - File system storage for local development and single hosts
//   - S3-compatible object storage
//   - IPFS mutable file system (MFS)
//   - HashiCorp Vault KV v2
//   - Embedded pogreb and SQLite stores
//
// # Storage URI Format
//
// Storage backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/tee-enclave/blobs
//   - s3://bucket-name/prefix/?region=us-west-2
//   - ipfs://127.0.0.1:5001/tee-enclave?timeout=10s
//   - vault://vault.example.com:8200/secret/enclave
//   - pogreb:///var/lib/tee-enclave/blobs.pogreb
//   - sqlite:///var/lib/tee-enclave/blobs.db
//
// # Keys
//
// Keys are relative slash-separated paths (for example "keys/signer-1").
// See interfaces.ValidateStorageKey.
//
// # Multi-Backend
//
// StorageBackendFactory.CreateMultiBackend combines several locations: writes
// go to all available backends, reads return the first hit.
//
//	factory := storage.NewStorageBackendFactory(logger)
//	store, err := factory.CreateMultiBackend([]string{
//		"file:///var/lib/tee-enclave/blobs",
//		"s3://enclave-backup/blobs/?region=eu-west-1",
//	})
package storage
