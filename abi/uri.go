package abi

import "fmt"

// Reserved URI namespaces.
const (
	// NamespaceKernel prefixes topics handled by the kernel itself.
	NamespaceKernel = "filament/"

	// NamespaceChannel is the reserved root for auto-generated channel URIs.
	NamespaceChannel = "filament/chan/"
)

// Kernel-handled topics.
const (
	TopicTimeSet   = "filament/time/set"
	TopicTimeFire  = "filament/time/fire"
	TopicCoreLog   = "filament/core/log"
	TopicCorePanic = "filament/core/panic"
	TopicKVSet     = "filament/kv/set"
	TopicKVGet     = "filament/kv/get"
	TopicKVResult  = "filament/kv/result"
	TopicFSPrefix  = "filament/fs/"
	TopicHTTPPrefix = "filament/net/http/"
	TopicHWPrefix  = "filament/hw/"
)

// ValidateURI checks a topic or channel URI. Matching elsewhere is
// byte-exact with no normalization; validation only rejects what the
// contract forbids: over-long URIs, embedded nulls and ASCII control
// bytes.
func ValidateURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("uri: %w: empty", ErrInvalid)
	}
	if len(uri) > MaxURILen {
		return fmt.Errorf("uri: %w: %d bytes exceeds limit %d", ErrInvalid, len(uri), MaxURILen)
	}
	for i := 0; i < len(uri); i++ {
		if uri[i] < 0x20 || uri[i] == 0x7f {
			return fmt.Errorf("uri: %w: control byte %#x at offset %d", ErrInvalid, uri[i], i)
		}
	}
	return nil
}
