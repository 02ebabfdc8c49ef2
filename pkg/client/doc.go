// Package client is the auditrelay Go SDK.
//
// # Managing endpoints
//
// A session token carrying the organization and an owner or admin role is
// required for mutations:
//
//	c, err := client.New("https://relay.example.com", client.WithBearerToken(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ep, secret, err := c.CreateEndpoint(ctx, client.CreateEndpointRequest{
//	    Name:       "billing",
//	    URL:        "https://hooks.example.com/audit",
//	    EventTypes: []string{"user.*"},
//	})
//
// Store the returned secret: it is used to verify the X-Webhook-Signature
// header on every delivery and is never returned again.
//
// # Triggering retries
//
// An external scheduler can run the retry sweep with the cron secret:
//
//	cron, _ := client.New(base, client.WithBearerToken(cronSecret))
//	res, err := cron.TriggerRetries(ctx)
package client
