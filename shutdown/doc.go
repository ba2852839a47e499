// Package shutdown stops the server in phases.
//
// Each component registers a handler in a phase; lower phases run first and
// handlers sharing a phase run concurrently:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	stop := coord.HandleSignals() // SIGTERM, SIGINT
//	defer stop()
//
//	coord.RegisterFunc("transport", shutdown.PhaseTransport, adapter.Shutdown)
//	coord.RegisterFunc("requests", shutdown.PhaseRequests, srv.Drain)
//	coord.RegisterFunc("subscriptions", shutdown.PhaseSubscriptions, mgr.Stop)
//	coord.RegisterFunc("store", shutdown.PhaseBackends, func(context.Context) error {
//	    return store.Close()
//	})
//
//	<-coord.Done()
//
// The context handed to handlers expires with the shutdown timeout. Once it
// has expired no further phase starts.
package shutdown
