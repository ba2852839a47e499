// Package transport carries JSON-RPC 2.0 envelopes over the two supported
// wire transports.
//
// # Overview
//
// Both transports implement Adapter. The server loop is the same for each:
//
//	a := transport.NewStdioAdapter(os.Stdin, os.Stdout, transport.StdioConfig{})
//	a.Initialize(ctx)
//
//	for {
//	    msg, err := a.Receive(ctx)
//	    if err == io.EOF {
//	        break
//	    }
//	    resp := route(msg)
//	    a.Send(ctx, &transport.OutboundMessage{Session: msg.Session, Response: resp})
//	}
//
// # Available Transports
//
//   - StdioAdapter: newline-delimited JSON over a pipe. Progress is
//     buffered and merged into the response; subscriptions are polled.
//   - HTTPAdapter: POST {base}/jsonrpc, always answered with status 200.
//     Progress streams on GET {base}/progress/{operation_id} and change
//     events on GET {base}/subscribe, both as Server-Sent Events with
//     periodic keepalive comments.
//
// # Design Decisions
//
//   - Adapters deliver raw envelopes; parsing and dispatch belong to the
//     router.
//   - Every inbound message is answered by exactly one Send. An empty
//     OutboundMessage acknowledges a notification.
//   - Shutdown closes every queue and stream the adapter owns before it
//     returns.
//
// # Thread Safety
//
// Send, SendProgress, NewStreamer and CancelSubscription are safe for
// concurrent use. Receive is meant to be called from a single loop.
package transport
