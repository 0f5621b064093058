/*
Package jetstream connects the service to NATS JetStream.
Manager owns the connection and reconnects with backoff, Publisher emits messages and waits for the
PubAck, and Subscriber runs durable pull consumers that feed the dispatcher.
*/
package jetstream
