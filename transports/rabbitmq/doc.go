// Package rabbitmq settles RabbitMQ deliveries for the worker runtime.
//
// Consumed amqp.Delivery values are converted with [FromDelivery] or
// [NewDelivery]. [Transport] acks and nacks them through the channel they
// arrived on. RabbitMQ has no visibility lease, so workers consuming from
// RabbitMQ should not enable automatic visibility renewal.
package rabbitmq
