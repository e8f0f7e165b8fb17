/*
Package client issues synchronous verb calls to the named APIs of the map
service and follows their event streams.

A Client maps API names to addresses and opens one gRPC connection per API
on first use. Every call carries the client's identity as x-app-id
metadata and is bounded by the configured timeout.

	c, err := client.New(client.Config{
		Identity:  "map-service",
		Endpoints: map[string]string{"map-private": "127.0.0.1:7701"},
		Timeout:   5 * time.Second,
	})
	reply, err := c.Call(ctx, "map-private", "request_map", args)

Failures are returned as *CallError. Remote is set when the callee replied
with a failure code, which is carried in Info; any other failure means the
call did not complete.
*/
package client
