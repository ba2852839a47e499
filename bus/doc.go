// Package bus publishes detected changes to a message bus so consumers
// outside the process can follow them without subscribing over RPC.
//
// # Available Implementations
//
//   - NATSBus: Production-grade messaging using NATS
//   - MemoryBus: In-memory implementation for testing and single-process use
//
// # Subjects
//
// Each change lands on <prefix>.<resource_type>.<change_type>:
//
//	docrpc.documents.created
//	docrpc.documents.deleted
//
// Subscribers use NATS wildcards:
//
//	sub, _ := b.Subscribe("docrpc.documents.*")
//	for msg := range sub.Messages() {
//	    // Handle message
//	}
//
// Publishing never blocks on a slow subscriber; a full buffer drops the
// message.
package bus
