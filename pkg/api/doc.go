/*
Package api implements the admin HTTP server of a map service process.

Every process serves its verbs over gRPC and exposes a small HTTP surface
for operators:

	GET /health    liveness, from metrics.GetHealth
	GET /ready     readiness over the critical components
	GET /metrics   Prometheus exposition

The server is a chi router with request id, real ip and panic recovery
middleware. Processes add their own endpoints: the gateway mounts the
/notify websocket and lists /clients, the broker lists /attachments.

	admin := api.NewServer()
	admin.Mount("/notify", gw.NotifyHandler())
	admin.HandleJSON("/clients", func() (any, error) { return reg.List(), nil })
	go admin.Start(cfg.Gateway.AdminAddr)
*/
package api
