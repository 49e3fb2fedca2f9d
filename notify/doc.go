// Package notify consumes mailbox notifications from RabbitMQ and hands them
// to a handler, usually pipeline.Pipeline.HandleNotification.
//
// Deliveries are acknowledged manually: undecodable bodies are dropped to the
// dead letter queue, handler failures are requeued for another instance.
package notify
