/*
Package rabbitmq publishes service messages to a RabbitMQ topic exchange.
The routing key is the message subject, metadata travels as AMQP properties and headers, and the
connection-backed sender reconnects on its own with backoff and waits for publisher confirms.
*/
package rabbitmq
