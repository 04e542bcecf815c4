// Package api holds the request and response bodies of the FleetGuard HTTP API.
//
// # Endpoints
//
// All routes live under /api/v1:
//
//	GET    /agents                          list agents with a health breakdown
//	GET    /agents/{id}                     one agent record
//	POST   /agents/{id}                     register (re-registering a failed agent resets it)
//	DELETE /agents/{id}                     unregister
//	POST   /agents/{id}/heartbeat           {"task_id": "..."}, body optional
//	POST   /agents/{id}/results             {"success": bool, "duration_ms": n}
//	GET    /agents/{id}/circuit             circuit breaker status
//	POST   /agents/{id}/admission           may the agent take a task; reserves the half-open trial
//	POST   /tasks/{id}/checkpoints          create a checkpoint
//	GET    /tasks/{id}/checkpoints          all checkpoints, oldest first
//	GET    /tasks/{id}/checkpoints/latest   newest checkpoint
//	DELETE /tasks/{id}/checkpoints          drop a task's checkpoints
//	GET    /recovery/stats                  cumulative recovery counters
//	GET    /handoffs?limit=N                due handoffs, oldest first
//	GET    /handoffs/stats                  handoff store counters
//	GET    /handoffs/{id}                   one handoff
//	POST   /handoffs/{id}/ack               {"success": bool}; false schedules a redelivery
//	GET    /events                          websocket stream of fault events (?agent_id=)
//	GET    /events/history                  journal query (agent_id, task_id, type, since, limit)
//
// # Authentication
//
// When enabled, requests carry either an X-API-Key header or an HS256
// bearer token. Probe endpoints (/health, /ready, /version) are open.
package api
