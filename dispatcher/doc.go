/*
Package dispatcher routes inbound messages to workflow handlers.
Routing is by exact event type first, then by NATS subject pattern. Processing is idempotent when a
ProcessedStore is configured.
*/
package dispatcher
