// Package main (cmd/enclavectl) is the command-line client of the enclave
// boundary. It talks to an enclave-host shell over HTTP and exposes every
// boundary operation as a subcommand.
//
// Hosts are given with --host-url (repeatable, tried in order) or discovered
// through a DNS SRV record with --host-srv. Responses are printed as JSON;
// failures print the error kind and the correlation id the enclave logged.
//
// Commands:
//
//	probe, init, destroy     - enclave lifecycle
//	attest, verify-report    - attestation reports
//	seal, unseal             - sealed storage
//	keygen, sign, verify     - managed keys
//	encrypt, decrypt, derive
//	key-info, list-keys, delete-key
//	random                   - enclave randomness
//	exec                     - run a sandboxed script
//	jobs list|get|cancel     - computation jobs
//	shamir keygen|split|status|submit
//
// Unlocking a Shamir-split root:
//
//  1. Each administrator generates a key pair:
//     enclavectl shamir keygen --admin-privkey-file=admin1-private.pem --admin-pubkey-file=admin1-public.pem
//
//  2. The public keys are listed in the enclave configuration and in the
//     host's --admin-keys-file.
//
//  3. A fresh root is split once, offline:
//     enclavectl shamir split --threshold=2 --shares=3
//
//  4. After each enclave start, a threshold of administrators submit:
//     enclavectl --host-url=http://host:8080 shamir submit --admin-id=admin1 --shamir-share-file=shamir-share-0.json
package main
