// Package secure wraps memguard enclaves for master-key material. Key
// bytes live encrypted in locked memory and are only exposed through
// short-lived scoped reads.
package secure
