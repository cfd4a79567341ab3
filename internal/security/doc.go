// Package security provides the server's transport and access controls:
//
//   - TLS setup in four modes (off, self-signed, ACME, custom files)
//   - API key generation and hashing
//   - HTTP middleware guarding the write side of the API
//
// Self-signed certificates use ECDSA P-384 and are written to the data
// directory on first start. TLS 1.3 is the minimum version in every mode.
package security
