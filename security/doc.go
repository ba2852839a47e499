// Package security guards the method table: API-key authentication,
// per-key method scopes, per-principal rate limiting and a signed audit
// trail.
//
// The Layer is a router middleware, so it runs after the envelope has been
// parsed and before the handler:
//
//	layer, err := security.New(security.Config{
//	    Keys: []security.APIKey{
//	        {Principal: "indexer", KeyHash: security.HashKey(secret), Methods: []string{"batch_*", "ping"}},
//	    },
//	    Public:       []string{"initialize", "ping"},
//	    RateCapacity: 600,
//	    RateWindow:   time.Minute,
//	})
//	r := router.New(methods, router.WithMiddleware(layer.Middleware()))
//
// Rejections surface as -32040 (authentication), -32041 (authorization)
// and -32042 (rate limited, with retry_after in seconds).
package security
