// Package webhook serves signed cue endpoints that let external show-control
// systems drive a project's clock.
//
// Every endpoint is bound to one project and a list of allowed clock
// commands. Requests carry an HMAC-SHA256 signature of the raw body in a
// configured header, either as plain hex or "sha256=<hex>".
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /cue/gala
//	      project_id: 1
//	      secret: ${GALA_CUE_SECRET}
//	      signature_header: X-Cue-Signature
//	      commands: [start, stop]
//	      max_body_size: 16KB
//
// A request body names the command:
//
//	{"command": "set_time", "seconds": 90}
//
// Errors: 403 for a missing or bad signature and for commands the endpoint
// does not allow, 413 for oversized bodies, and the API's status mapping
// for clock failures (409 for an invalid transition).
package webhook
